package model

import "time"

// Vehicle is a row snapshot from the vehicles relation.
type Vehicle struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"utente_id"`
	Name       string    `json:"nome"`
	Make       string    `json:"marca,omitempty"`
	Model      string    `json:"modello,omitempty"`
	Plate      string    `json:"targa,omitempty"`
	Year       int       `json:"anno,omitempty"`
	Kilometers float64   `json:"km_totali"`
	UsageHours float64   `json:"ore_utilizzo"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Intervention is a row snapshot from the maintenance interventions relation.
type Intervention struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"utente_id"`
	VehicleID   string     `json:"veicolo_id"`
	Kind        string     `json:"tipo"`
	Description string     `json:"descrizione,omitempty"`
	DueAt       *time.Time `json:"data_scadenza,omitempty"`
	DueKm       *float64   `json:"km_scadenza,omitempty"`
	Done        bool       `json:"completato"`
	Cost        *float64   `json:"costo,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
