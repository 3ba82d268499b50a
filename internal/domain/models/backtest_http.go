package models

// Requests for the backtest HTTP endpoints.

type WalkForwardRequest struct {
	Symbols   []string `json:"symbols" validate:"required,min=1,dive,required"`
	From      string   `json:"from" validate:"required"`
	To        string   `json:"to" validate:"required"`
	TF        string   `json:"tf" default:"1d" validate:"oneof=1m 5m 1h 1d"`
	TrainSize int      `json:"train_size" default:"252" validate:"gte=1"`
	TestSize  int      `json:"test_size" default:"63" validate:"gte=1"`
	Gap       int      `json:"gap" validate:"gte=0"`
	NFolds    int      `json:"n_folds" validate:"gte=0"`
	Mode      string   `json:"mode" default:"rolling" validate:"oneof=rolling expanding split"`
	Strategy  string   `json:"strategy" default:"momentum" validate:"oneof=momentum meanrev"`
	Persist   bool     `json:"persist"`
	// RunID is optional. A run ID already known is refused.
	RunID string `json:"run_id" validate:"omitempty,max=64,excludesall=/ "`
}

type KillSwitchRequest struct {
	Armed *bool `json:"armed" validate:"required"`
}

type RunRequest struct {
	ID string `param:"id" validate:"required"`
}
