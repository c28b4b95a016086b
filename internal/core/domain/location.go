package domain

import (
	"strings"
	"time"
)

type Location struct {
	Name        string
	Description string
	CreatedAt   time.Time
}

func (l Location) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return ErrInvalidItem
	}
	return nil
}

func (l Location) Fields() Fields {
	f := Fields{
		"name":        l.Name,
		"description": l.Description,
	}
	if !l.CreatedAt.IsZero() {
		f["createdAt"] = l.CreatedAt.UTC()
	}
	return f
}

func LocationFromDocument(doc Document) Location {
	name := doc.Fields.String("name")
	if name == "" {
		name = doc.Key
	}
	return Location{
		Name:        name,
		Description: doc.Fields.String("description"),
		CreatedAt:   doc.Fields.Time("createdAt"),
	}
}
