package transport

// DeviceSet is an insertion-ordered map of devices keyed by ID. It is not safe
// for concurrent use; owners guard it with their own lock.
type DeviceSet struct {
	order []string
	byID  map[string]*Device
}

func NewDeviceSet() *DeviceSet {
	return &DeviceSet{byID: make(map[string]*Device)}
}

// Put inserts or replaces d. A replaced device keeps its original position.
func (s *DeviceSet) Put(d *Device) {
	if _, ok := s.byID[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.byID[d.ID] = d
}

func (s *DeviceSet) Get(id string) (*Device, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Delete removes id and reports whether it was present.
func (s *DeviceSet) Delete(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *DeviceSet) Len() int { return len(s.order) }

func (s *DeviceSet) Clear() {
	s.order = nil
	s.byID = make(map[string]*Device)
}

// Pointers returns the stored devices in insertion order.
func (s *DeviceSet) Pointers() []*Device {
	out := make([]*Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Snapshot returns copies of the stored devices in insertion order.
func (s *DeviceSet) Snapshot() []Device {
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		d := *s.byID[id]
		d.Services = append([]string(nil), d.Services...)
		out = append(out, d)
	}
	return out
}
