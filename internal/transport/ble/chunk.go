package ble

// DefaultMTU is the chunk size used when none is configured. It stays below
// the ATT payload of common peripherals.
const DefaultMTU = 180

// ChunkBytes splits data into consecutive pieces of at most size bytes.
// Returns nil for empty data; a non-positive size yields a single chunk.
func ChunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
