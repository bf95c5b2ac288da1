package gateway

// RadioPhase is the phase of a LoRa transfer seen from this gateway.
type RadioPhase int

const (
	PhaseIdle RadioPhase = iota
	PhaseStarting
	PhaseInProgress
	PhaseCompleted
	PhaseFailed
)

func (p RadioPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseInProgress:
		return "in-progress"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RadioState is a snapshot of one radio direction.
type RadioState struct {
	Direction      string     `json:"direction"`
	Phase          RadioPhase `json:"phase"`
	Name           string     `json:"name,omitempty"`
	FragmentsDone  int        `json:"fragments_done"`
	FragmentsTotal int        `json:"fragments_total"`
	Retries        int        `json:"retries"`
}

// TxSummary is the outcome of TransmitOverRadio.
type TxSummary struct {
	Name    string  `json:"name"`
	Size    int64   `json:"size"`
	Seconds float64 `json:"seconds"`
	Kbps    float64 `json:"kbps"`
	Retries int     `json:"retries"`
}

// RxPhase tags an RxEvent.
type RxPhase string

const (
	RxStarted   RxPhase = "start"
	RxProgress  RxPhase = "status"
	RxCompleted RxPhase = "complete"
	RxFailed    RxPhase = "failed"
)

// RxEvent is produced whenever the gateway receives a file over LoRa.
type RxEvent struct {
	Phase   RxPhase `json:"phase"`
	Name    string  `json:"name,omitempty"`
	Size    int64   `json:"size,omitempty"`
	Done    int     `json:"done,omitempty"`
	Total   int     `json:"total,omitempty"`
	Percent int     `json:"percent"`
	Seconds float64 `json:"seconds,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}
