package wire

// Kind identifies a logical message type. Kind values double as the
// "messageType" discriminator in the JSON framing.
type Kind string

// Message kinds supported by the protocol. This is a closed set: decoding
// rejects anything else explicitly rather than falling through.
const (
	KindInstruction Kind = "instruction"
	KindXML         Kind = "xml"
	KindScreenshot  Kind = "screenshot"
	KindQA          Kind = "qa"
	KindError       Kind = "error"
	KindGetActions  Kind = "get_actions"
	KindAction      Kind = "action"
	KindHeartbeat   Kind = "heartbeat"
)

// Message is the closed sum over all wire message variants.
type Message interface {
	Kind() Kind

	// message seals the interface to the variants declared in this package.
	message()
}

// Instruction is a natural-language instruction for the device.
type Instruction struct {
	Text string
}

// XML carries a serialized view-hierarchy snapshot from the device.
type XML struct {
	Content string
}

// Screenshot carries a binary screen capture from the device.
type Screenshot struct {
	Data []byte
}

// QA carries a question/answer exchange result from the device.
type QA struct {
	Text string
}

// ErrorReport carries a device-side error description.
type ErrorReport struct {
	Text string
}

// GetActions requests the set of currently available actions.
type GetActions struct{}

// Action is a UI-manipulation command delivered controller→device.
// It always travels in the JSON framing.
type Action struct {
	Descriptor ActionDescriptor
}

// Heartbeat is a device liveness signal. It always travels in the JSON
// framing and is never delivered to the decision callback.
type Heartbeat struct {
	DeviceID string
}

// ActionDescriptor describes one UI action. Field names are the wire
// contract with the device-side executor; all fields use snake_case JSON.
type ActionDescriptor struct {
	Type      string `json:"type"`
	Target    string `json:"target,omitempty"`
	Value     string `json:"value,omitempty"`
	X         int    `json:"x,omitempty"`
	Y         int    `json:"y,omitempty"`
	Direction string `json:"direction,omitempty"`
	Index     int    `json:"index,omitempty"`
}

// Kind implementations

// Kind returns KindInstruction.
func (Instruction) Kind() Kind { return KindInstruction }

// Kind returns KindXML.
func (XML) Kind() Kind { return KindXML }

// Kind returns KindScreenshot.
func (Screenshot) Kind() Kind { return KindScreenshot }

// Kind returns KindQA.
func (QA) Kind() Kind { return KindQA }

// Kind returns KindError.
func (ErrorReport) Kind() Kind { return KindError }

// Kind returns KindGetActions.
func (GetActions) Kind() Kind { return KindGetActions }

// Kind returns KindAction.
func (Action) Kind() Kind { return KindAction }

// Kind returns KindHeartbeat.
func (Heartbeat) Kind() Kind { return KindHeartbeat }

func (Instruction) message() {}
func (XML) message()         {}
func (Screenshot) message()  {}
func (QA) message()          {}
func (ErrorReport) message() {}
func (GetActions) message()  {}
func (Action) message()      {}
func (Heartbeat) message()   {}
