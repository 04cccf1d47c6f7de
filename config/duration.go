package config

import (
	"time"

	"github.com/juju/errors"
)

// Duration is a time.Duration written as a string such as "1s" or "12h".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.NewNotValid(err, "duration")
	}
	d.Duration = v
	return nil
}
