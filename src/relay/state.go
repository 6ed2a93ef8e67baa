package relay

// State 单次签到事务所处阶段
type State int

const (
	StateReceivingBody State = iota
	StateHeaderParsed
	StateKeysDerived
	StateRequestDecrypted
	StatePersisted
	StateForwardedOrLocal
	StateResponseEncrypted
	StateDone
	StateErrored
)

var stateNames = [...]string{
	StateReceivingBody:     "ReceivingBody",
	StateHeaderParsed:      "HeaderParsed",
	StateKeysDerived:       "KeysDerived",
	StateRequestDecrypted:  "RequestDecrypted",
	StatePersisted:         "Persisted",
	StateForwardedOrLocal:  "ForwardedOrLocal",
	StateResponseEncrypted: "ResponseEncrypted",
	StateDone:              "Done",
	StateErrored:           "Errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Terminal Done 与 Errored 之后不再迁移
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}
