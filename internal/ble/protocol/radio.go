package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Allowed LoRa parameter values.
var (
	Bandwidths       = []int{125, 250, 500}
	SpreadingFactors = []int{7, 9, 12}
	CodingRates      = []int{5, 7, 8}
	AckIntervals     = []int{3, 5, 7, 10, 15}
	PowerLevels      = []int{10, 14, 17, 20}
)

// RadioConfig holds the LoRa modem parameters. Field order matches the wire
// form {"bw":..,"sf":..,"cr":..,"ack":..,"power":..}.
type RadioConfig struct {
	Bandwidth       int `json:"bw" yaml:"bw"`
	SpreadingFactor int `json:"sf" yaml:"sf"`
	CodingRate      int `json:"cr" yaml:"cr"`
	AckInterval     int `json:"ack" yaml:"ack"`
	Power           int `json:"power" yaml:"power"`
}

// DefaultRadioConfig is the firmware's power-on configuration.
func DefaultRadioConfig() RadioConfig {
	return RadioConfig{
		Bandwidth:       125,
		SpreadingFactor: 9,
		CodingRate:      7,
		AckInterval:     5,
		Power:           17,
	}
}

// Validate checks every field against its allowed set.
func (c RadioConfig) Validate() error {
	checks := []struct {
		key     string
		val     int
		allowed []int
	}{
		{"bw", c.Bandwidth, Bandwidths},
		{"sf", c.SpreadingFactor, SpreadingFactors},
		{"cr", c.CodingRate, CodingRates},
		{"ack", c.AckInterval, AckIntervals},
		{"power", c.Power, PowerLevels},
	}
	for _, ch := range checks {
		if !slices.Contains(ch.allowed, ch.val) {
			return violation("radio config %s=%d not in %v", ch.key, ch.val, ch.allowed)
		}
	}
	return nil
}

// Encode renders the compact JSON object sent in SET_LORA_CONFIG.
func (c RadioConfig) Encode() string {
	// Marshal of a struct of ints cannot fail.
	b, _ := json.Marshal(c)
	return string(b)
}

func (c RadioConfig) String() string {
	return fmt.Sprintf("BW %dkHz SF%d CR4/%d ACK every %d %ddBm",
		c.Bandwidth, c.SpreadingFactor, c.CodingRate, c.AckInterval, c.Power)
}

// ParseRadioConfig decodes a LORA_CONFIG payload. Keys missing from s keep
// their value from prior; unknown keys are ignored.
func ParseRadioConfig(s string, prior RadioConfig) (RadioConfig, error) {
	var raw struct {
		Bandwidth       *int `json:"bw"`
		SpreadingFactor *int `json:"sf"`
		CodingRate      *int `json:"cr"`
		AckInterval     *int `json:"ack"`
		Power           *int `json:"power"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return prior, violation("radio config %q: %v", s, err)
	}
	cfg := prior
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&cfg.Bandwidth, raw.Bandwidth)
	set(&cfg.SpreadingFactor, raw.SpreadingFactor)
	set(&cfg.CodingRate, raw.CodingRate)
	set(&cfg.AckInterval, raw.AckInterval)
	set(&cfg.Power, raw.Power)
	if err := cfg.Validate(); err != nil {
		return prior, err
	}
	return cfg, nil
}
