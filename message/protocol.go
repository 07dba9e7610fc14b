package message

// Filter traits carried in the Counter of filter registration and
// notification commands.
const (
	FilterHasOperator uint16 = 1 << iota
	FilterIsCloning
)

// Positions in the filter pipeline carried in the Counter of SendMessage
// commands. Smaller values are the index of the next source filter.
const (
	SourceFiltersDone uint16 = 0xFFFE
	AllFiltersDone    uint16 = 0xFFFF
)

// Rejection reasons carried in the MessageID of failed FedAck and BrokerAck
// commands.
const (
	RejectDuplicateName int32 = iota
	RejectAfterInit
	RejectUnreachable
)

// RejectReason describes a rejection code.
func RejectReason(code int32) string {
	switch code {
	case RejectAfterInit:
		return "federation already initialized"
	case RejectUnreachable:
		return "no route to the registering router"
	}

	return "duplicate name"
}
