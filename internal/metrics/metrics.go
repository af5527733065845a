// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics owns the exported instruments and reconciles the
// absolute registers a meter reports into correctly monotonic values.
package metrics

import (
	"bytes"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/ffutop/dsmr-exporter/dsmr"
)

// TTL is the freshness window: a scrape arriving later than this after
// the last decoded telegram sees an empty exposition.
const TTL = 10 * time.Second

const (
	joulesPerKWh = 3_600_000
	wattsPerKW   = 1000
)

// Store owns every exported instrument in its own registry. It is the
// only state shared between the read loop and the scrape handlers:
// Update takes the write lock, Encode and LastUpdate the read lock.
type Store struct {
	mu         sync.RWMutex
	registry   *prometheus.Registry
	lastUpdate time.Time

	energyDelivered   *absCounterVec
	energyReceived    *absCounterVec
	energyTariff      prometheus.Gauge
	powerDelivered    prometheus.Gauge
	powerReceived     prometheus.Gauge
	powerFailures     *absCounter
	longPowerFailures *absCounter
	voltageSags       *absCounterVec
	voltageSwells     *absCounterVec
	voltage           *prometheus.GaugeVec
	current           *prometheus.GaugeVec
	activePowerPlus   *prometheus.GaugeVec
	activePowerNeg    *prometheus.GaugeVec
	gasDelivered      *absCounter
}

// New builds the instrument set. The store starts stale: a scrape
// before the first decoded telegram sees an empty exposition.
func New() *Store {
	reg := prometheus.NewRegistry()
	return &Store{
		registry:   reg,
		lastUpdate: time.Now().Add(-TTL),

		energyDelivered: newAbsCounterVec(reg, "energy_delivered_joules_total",
			"The amount of energy delivered to client in joules", "tariff"),
		energyReceived: newAbsCounterVec(reg, "energy_received_joules_total",
			"The amount of energy delivered by client in joules", "tariff"),
		energyTariff: newGauge(reg, "energy_tariff",
			"The currently active tariff"),
		powerDelivered: newGauge(reg, "power_delivered_watts",
			"The amount of power that is currently being delivered to client in Watts"),
		powerReceived: newGauge(reg, "power_received_watts",
			"The amount of power that is currently being delivered by client in Watts"),
		powerFailures: newAbsCounter(reg, "power_failures_total",
			"Number of power failures in any phase"),
		longPowerFailures: newAbsCounter(reg, "power_long_failures_total",
			"Number of long power failures in any phase"),
		voltageSags: newAbsCounterVec(reg, "phase_voltage_sags_total",
			"Number of voltage sags in specified phase", "phase"),
		voltageSwells: newAbsCounterVec(reg, "phase_voltage_swells_total",
			"Number of voltage swells in specified phase", "phase"),
		voltage: newGaugeVec(reg, "phase_voltage_volts",
			"Instantaneous voltage in specified phase in Volts", "phase"),
		current: newGaugeVec(reg, "phase_current_amperes",
			"Instantaneous current in specified phase in Ampères", "phase"),
		activePowerPlus: newGaugeVec(reg, "phase_active_power_positive_watts",
			"Instantaneous active power (+P) in specified phase in Watts", "phase"),
		activePowerNeg: newGaugeVec(reg, "phase_active_power_negative_watts",
			"Instantaneous active power (-P) in specified phase in Watts", "phase"),
		gasDelivered: newAbsCounter(reg, "gas_delivered_cubic_meters_total",
			"Amount of natural gas delivered to client in cubic meters"),
	}
}

// Update reconciles one telegram into the instruments. Fields the
// telegram did not carry leave their instruments unchanged.
func (s *Store) Update(t *dsmr.Telegram) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range t.MeterReadings {
		tariff := strconv.Itoa(i + 1)
		if v := t.MeterReadings[i].Delivered; v != nil {
			s.energyDelivered.report(tariff, *v*joulesPerKWh)
		}
		if v := t.MeterReadings[i].Received; v != nil {
			s.energyReceived.report(tariff, *v*joulesPerKWh)
		}
	}

	if v := t.TariffIndicator; v != nil {
		s.energyTariff.Set(float64(uint16(v[0])<<8 | uint16(v[1])))
	}
	if v := t.PowerDelivered; v != nil {
		s.powerDelivered.Set(*v * wattsPerKW)
	}
	if v := t.PowerReceived; v != nil {
		s.powerReceived.Set(*v * wattsPerKW)
	}
	if v := t.PowerFailures; v != nil {
		s.powerFailures.report(float64(*v))
	}
	if v := t.LongPowerFailures; v != nil {
		s.longPowerFailures.report(float64(*v))
	}

	for i := range t.Lines {
		phase := strconv.Itoa(i + 1)
		line := &t.Lines[i]
		if v := line.VoltageSags; v != nil {
			s.voltageSags.report(phase, float64(*v))
		}
		if v := line.VoltageSwells; v != nil {
			s.voltageSwells.report(phase, float64(*v))
		}
		if v := line.Voltage; v != nil {
			s.voltage.WithLabelValues(phase).Set(*v)
		}
		if v := line.Current; v != nil {
			s.current.WithLabelValues(phase).Set(*v)
		}
		if v := line.ActivePowerPlus; v != nil {
			s.activePowerPlus.WithLabelValues(phase).Set(*v * wattsPerKW)
		}
		if v := line.ActivePowerNeg; v != nil {
			s.activePowerNeg.WithLabelValues(phase).Set(*v * wattsPerKW)
		}
	}

	for i := range t.Slaves {
		slave := &t.Slaves[i]
		if slave.DeviceType == nil || *slave.DeviceType != dsmr.GasDeviceType {
			continue
		}
		if slave.MeterReading != nil {
			s.gasDelivered.report(*slave.MeterReading)
		}
	}

	s.lastUpdate = time.Now()
}

// LastUpdate returns the time of the most recent successful Update.
func (s *Store) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Encode renders the current instrument values in the Prometheus text
// exposition format.
func (s *Store) Encode() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	families, err := s.registry.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// absCounter exports an absolute meter register as a monotonic
// counter: each report advances the counter by the difference from the
// previously reported value, so re-reporting an unchanged register is
// a no-op. A register below the stored baseline (meter reset or
// rollback) rebases without moving the counter; the exported value
// never decreases.
type absCounter struct {
	name    string
	counter prometheus.Counter
	last    float64
}

func newAbsCounter(reg *prometheus.Registry, name, help string) *absCounter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	reg.MustRegister(c)
	return &absCounter{name: name, counter: c}
}

func (a *absCounter) report(abs float64) {
	delta := abs - a.last
	if delta < 0 {
		slog.Warn("meter register went backwards, rebasing",
			"metric", a.name, "previous", a.last, "reported", abs)
		delta = 0
	}
	a.counter.Add(delta)
	a.last = abs
}

// absCounterVec is absCounter with one baseline per label value.
type absCounterVec struct {
	name string
	vec  *prometheus.CounterVec
	last map[string]float64
}

func newAbsCounterVec(reg *prometheus.Registry, name, help, label string) *absCounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{label})
	reg.MustRegister(vec)
	return &absCounterVec{name: name, vec: vec, last: make(map[string]float64)}
}

func (a *absCounterVec) report(label string, abs float64) {
	delta := abs - a.last[label]
	if delta < 0 {
		slog.Warn("meter register went backwards, rebasing",
			"metric", a.name, "label", label, "previous", a.last[label], "reported", abs)
		delta = 0
	}
	a.vec.WithLabelValues(label).Add(delta)
	a.last[label] = abs
}

func newGauge(reg *prometheus.Registry, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func newGaugeVec(reg *prometheus.Registry, name, help, label string) *prometheus.GaugeVec {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{label})
	reg.MustRegister(vec)
	return vec
}
