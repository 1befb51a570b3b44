package db

import (
	"database/sql"
)

// GetAttraction retrieves an attraction by ID
func (db *DB) GetAttraction(id int64) (*Attraction, error) {
	return db.scanAttraction(db.rebind(`
		SELECT id, slug, name, place_id, latitude, longitude, city_id
		FROM attractions
		WHERE id = ?
	`), id)
}

// GetAttractionBySlug retrieves an attraction by its slug
func (db *DB) GetAttractionBySlug(slug string) (*Attraction, error) {
	return db.scanAttraction(db.rebind(`
		SELECT id, slug, name, place_id, latitude, longitude, city_id
		FROM attractions
		WHERE slug = ?
	`), slug)
}

func (db *DB) scanAttraction(query string, arg any) (*Attraction, error) {
	a := &Attraction{}

	err := db.QueryRow(query, arg).Scan(
		&a.ID,
		&a.Slug,
		&a.Name,
		&a.PlaceID,
		&a.Latitude,
		&a.Longitude,
		&a.CityID,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return a, nil
}

// GetCity retrieves a city by ID
func (db *DB) GetCity(id int64) (*City, error) {
	c := &City{}

	query := db.rebind(`
		SELECT id, name, country
		FROM cities
		WHERE id = ?
	`)

	err := db.QueryRow(query, id).Scan(&c.ID, &c.Name, &c.Country)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return c, nil
}
