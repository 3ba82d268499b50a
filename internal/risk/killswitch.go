package risk

import "sync/atomic"

// KillSwitch is an externally controlled halt on new risk. It is safe to
// share between concurrently running folds.
type KillSwitch struct {
	armed atomic.Bool
}

func NewKillSwitch() *KillSwitch { return &KillSwitch{} }

func (k *KillSwitch) Arm() { k.armed.Store(true) }

func (k *KillSwitch) Disarm() { k.armed.Store(false) }

func (k *KillSwitch) Armed() bool { return k != nil && k.armed.Load() }
