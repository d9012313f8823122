// Package calibration defines the persisted calibration state of the scale
// and the file store that keeps it across power loss. It contains:
//
//   - Gain: the HX711 channel/gain selections supported by the hardware
//   - State: the {gain, offset, reference unit} triple, always handled as one unit
//   - Phase: the discrete steps of the scale device state machine
//   - Status: a synthesized view model returned by HTTP APIs and the CLI
//   - FileStore: atomic JSON persistence of State, one file per device
//
// These types are shared across daemon, client and CLI code to keep JSON
// contracts consistent.
package calibration
