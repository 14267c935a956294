package entity

import "testing"

func relayDevice() Device {
	return Device{
		ID:     "D1",
		Name:   "Kitchen relay",
		MAC:    "AA:BB:CC:DD:EE:01",
		Online: true,
		RoomID: "kitchen",
		Entities: []Entity{
			{ID: "relay_1", Kind: KindSwitch, Name: "Relay 1"},
		},
	}
}

func sensorDevice() Device {
	return Device{
		ID:     "D2",
		Name:   "Hall sensor",
		Online: true,
		Entities: []Entity{
			{ID: "temp_1", Kind: KindSensor, Name: "Temperature", Unit: "°C", Class: ClassTemperature},
			{ID: "motion_1", Kind: KindBinarySensor, Name: "Motion", Class: ClassMotion},
		},
	}
}

// loadedStore returns a store with home-a loaded from the given devices.
func loadedStore(t *testing.T, devices ...Device) *Store {
	t.Helper()
	s := NewStore()
	gen := s.SetActiveHome("home-a")
	if err := s.LoadHome(gen, "home-a", devices, nil); err != nil {
		t.Fatalf("LoadHome() error = %v", err)
	}
	return s
}
