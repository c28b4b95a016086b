package domain

// Identity is the caller on whose behalf every read and write runs.
type Identity struct {
	UID       string
	Anonymous bool
	Provider  string
}

func (i Identity) IsZero() bool {
	return i.UID == ""
}

// Collections names the backing-store collections the node works with.
type Collections struct {
	Items        string
	Movements    string
	Locations    string
	MovementKeys string
	Diagnostics  string
}

func DefaultCollections() Collections {
	return Collections{
		Items:        "items",
		Movements:    "movements",
		Locations:    "locations",
		MovementKeys: "movementKeys",
		Diagnostics:  "__diag",
	}
}

// WithDefaults fills empty names from DefaultCollections.
func (c Collections) WithDefaults() Collections {
	d := DefaultCollections()
	if c.Items == "" {
		c.Items = d.Items
	}
	if c.Movements == "" {
		c.Movements = d.Movements
	}
	if c.Locations == "" {
		c.Locations = d.Locations
	}
	if c.MovementKeys == "" {
		c.MovementKeys = d.MovementKeys
	}
	if c.Diagnostics == "" {
		c.Diagnostics = d.Diagnostics
	}
	return c
}
