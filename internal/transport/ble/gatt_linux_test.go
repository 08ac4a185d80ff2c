package ble

import (
	"errors"
	"testing"
)

func TestBlueZCharacteristicUsesWriteCommands(t *testing.T) {
	c := &tinyGoCharacteristic{}
	props := c.Properties()
	if props.Write {
		t.Error("Properties().Write = true, want false on BlueZ")
	}
	if !props.WriteWithoutResponse {
		t.Error("Properties().WriteWithoutResponse = false, want true")
	}

	if err := c.Write([]byte("x"), true); !errors.Is(err, errAckedWrite) {
		t.Errorf("Write(withResponse) error = %v, want %v", err, errAckedWrite)
	}
}

func TestPickWritableOnBlueZPicksWriteCommand(t *testing.T) {
	char := &mockCharacteristic{uuid: "ffe1", props: platformProperties()}
	conn := &mockConnection{chars: []Characteristic{char}}

	got, withResponse, err := pickWritable(conn, "", "")
	if err != nil {
		t.Fatalf("pickWritable() error = %v", err)
	}
	if got != char {
		t.Errorf("pickWritable() = %v, want the only characteristic", got)
	}
	if withResponse {
		t.Error("pickWritable() chose acknowledged writes on BlueZ")
	}
}
