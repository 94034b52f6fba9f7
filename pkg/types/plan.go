package types

import "time"

// DeviceState describes the observed on/off state of a device.
type DeviceState string

const (
	StateOn            DeviceState = "on"
	StateOff           DeviceState = "off"
	StateUnknown       DeviceState = "unknown"
	StateNotApplicable DeviceState = "not_applicable"
)

// PlannedState is the per-cycle decision for a device.
type PlannedState string

const (
	PlannedKeep PlannedState = "keep"
	PlannedShed PlannedState = "shed"
)

// ShedAction is how a device is shed.
type ShedAction string

const (
	ShedTurnOff        ShedAction = "turn_off"
	ShedSetTemperature ShedAction = "set_temperature"
)

// ShedBehavior is the per-device configured overshoot behavior.
type ShedBehavior struct {
	Action      ShedAction `json:"action"`
	Temperature float64    `json:"temperature,omitempty"`
}

// SoftLimitSource says which constraint produced the effective soft limit.
type SoftLimitSource string

const (
	SoftLimitCapacity SoftLimitSource = "capacity"
	SoftLimitDaily    SoftLimitSource = "daily"
	SoftLimitBoth     SoftLimitSource = "both"
)

// LimitReason is the coarse UI summary of what currently constrains the plan.
type LimitReason string

const (
	LimitReasonNone   LimitReason = "none"
	LimitReasonHourly LimitReason = "hourly"
	LimitReasonDaily  LimitReason = "daily"
	LimitReasonBoth   LimitReason = "both"
)

// PlanMeta is the plan-wide context computed alongside the per-device rows.
type PlanMeta struct {
	TotalKW                 *float64        `json:"totalKw"`
	SoftLimitKW             float64         `json:"softLimitKw"`
	CapacitySoftLimitKW     float64         `json:"capacitySoftLimitKw"`
	DailySoftLimitKW        *float64        `json:"dailySoftLimitKw,omitempty"`
	SoftLimitSource         SoftLimitSource `json:"softLimitSource"`
	HeadroomKW              *float64        `json:"headroomKw"`
	UsedKWH                 float64         `json:"usedKWh"`
	BudgetKWH               float64         `json:"budgetKWh"`
	DailyBudgetHourKWH      *float64        `json:"dailyBudgetHourKWh,omitempty"`
	HourlyBudgetExhausted   bool            `json:"hourlyBudgetExhausted"`
	ControlledKW            float64         `json:"controlledKw"`
	UncontrolledKW          float64         `json:"uncontrolledKw"`
	MinutesRemaining        int             `json:"minutesRemaining"`
	DailyBudgetRemainingKWH *float64        `json:"dailyBudgetRemainingKWh,omitempty"`
	DailyBudgetExceeded     *bool           `json:"dailyBudgetExceeded,omitempty"`
}

// PlanDevice is one row of the device plan.
type PlanDevice struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Priority        int          `json:"priority"`
	CurrentState    DeviceState  `json:"currentState"`
	CurrentTarget   *float64     `json:"currentTarget,omitempty"`
	PlannedState    PlannedState `json:"plannedState"`
	PlannedTarget   *float64     `json:"plannedTarget,omitempty"`
	ShedAction      ShedAction   `json:"shedAction,omitempty"`
	ShedTemperature *float64     `json:"shedTemperature,omitempty"`
	Reason          string       `json:"reason"`
	PowerKW         float64      `json:"powerKw"`
	ExpectedPowerKW float64      `json:"expectedPowerKw"`
	MeasuredPowerKW *float64     `json:"measuredPowerKw,omitempty"`
	Controllable    bool         `json:"controllable"`
	Managed         bool         `json:"managed"`
}

// DevicePlan is the primary output of the plan builder.
type DevicePlan struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Mode        string       `json:"mode"`
	Meta        PlanMeta     `json:"meta"`
	Devices     []PlanDevice `json:"devices"`
}

// StatusPayload is the pels_status summary derived from the plan for the UI.
type StatusPayload struct {
	UpdatedAt        time.Time       `json:"updatedAt"`
	Mode             string          `json:"mode"`
	TotalKW          *float64        `json:"totalKw"`
	SoftLimitKW      float64         `json:"softLimitKw"`
	HeadroomKW       *float64        `json:"headroomKw"`
	SoftLimitSource  SoftLimitSource `json:"softLimitSource"`
	LimitReason      LimitReason     `json:"limitReason"`
	UsedKWH          float64         `json:"usedKWh"`
	BudgetKWH        float64         `json:"budgetKWh"`
	MinutesRemaining int             `json:"minutesRemaining"`
	SheddingActive   bool            `json:"sheddingActive"`
	InShortfall      bool            `json:"inShortfall"`
	ShedCount        int             `json:"shedCount"`
	DeviceCount      int             `json:"deviceCount"`
	PriceLevel       PriceLevel      `json:"priceLevel"`
	DryRun           bool            `json:"dryRun"`
}

// DailyBudgetSnapshot is produced by the daily-budget model and consumed
// read-only by the plan engine.
type DailyBudgetSnapshot struct {
	HourlyAllowanceKWH  float64         `json:"hourlyAllowanceKWh"`
	DailyRemainingKWH   float64         `json:"dailyRemainingKWh"`
	Exceeded            bool            `json:"exceeded"`
	SoftLimitKW         *float64        `json:"softLimitKw,omitempty"`
	SoftLimitSource     SoftLimitSource `json:"softLimitSource,omitempty"`
	HourControlledKWH   float64         `json:"hourControlledKWh"`
	HourUncontrolledKWH float64         `json:"hourUncontrolledKWh"`
	MinutesRemaining    int             `json:"minutesRemaining"`
}
