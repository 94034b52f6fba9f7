package types

import "time"

// HourBucket accumulates energy for one wall-clock hour.
type HourBucket struct {
	HourStart       time.Time `json:"hourStart"`
	KWH             float64   `json:"kWh"`
	ControlledKWH   float64   `json:"controlledKWh"`
	UncontrolledKWH float64   `json:"uncontrolledKWh"`
}

// TrackerBucketState is the persisted form of one bucket, keyed by ISO hour.
type TrackerBucketState struct {
	KWH             float64 `json:"kWh"`
	ControlledKWH   float64 `json:"controlledKWh"`
	UncontrolledKWH float64 `json:"uncontrolledKWh"`
}

// TrackerState is the power_tracker_state settings payload.
type TrackerState struct {
	Buckets       map[string]TrackerBucketState `json:"buckets"`
	LastTimestamp time.Time                     `json:"lastTimestamp"`
}

// EngineState is the persisted plan-engine state. All mutation happens inside
// the plan engine; this is only its snapshot for the settings store.
type EngineState struct {
	LastDeviceShed    map[string]time.Time `json:"lastDeviceShedMs,omitempty"`
	LastDeviceRestore map[string]time.Time `json:"lastDeviceRestoreMs,omitempty"`
	LastShedding      time.Time            `json:"lastSheddingMs,omitempty"`
	LastOvershoot     time.Time            `json:"lastOvershootMs,omitempty"`
	LastRestore       time.Time            `json:"lastRestoreMs,omitempty"`
	LastPlannedShed   []string             `json:"lastPlannedShedIds,omitempty"`
	PendingSwaps      map[string]time.Time `json:"pendingSwapTimestamps,omitempty"`
	SwappedOutFor     map[string]string    `json:"swappedOutFor,omitempty"`

	HourlyBudgetExhausted bool `json:"hourlyBudgetExhausted"`
	InShortfall           bool `json:"inShortfall"`
}
