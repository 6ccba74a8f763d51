package mex

// Status is the position of an exchange in its state machine.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusReq       Status = "REQ"
	StatusAsync     Status = "ASYNC"
	StatusAck       Status = "ACK"
	StatusCompleted Status = "COMPLETED"
)

// Acked reports whether an acknowledgement has been recorded.
func (s Status) Acked() bool { return s == StatusAck || s == StatusCompleted }

// Pending reports whether the exchange is waiting for its acknowledgement.
func (s Status) Pending() bool { return s == StatusReq || s == StatusAsync }

// AckType is the kind of acknowledgement an exchange received.
type AckType string

const (
	AckResponse AckType = "RESPONSE"
	AckOneWay   AckType = "ONEWAY"
	AckFault    AckType = "FAULT"
	AckFailure  AckType = "FAILURE"
)

// FailureType classifies an AckFailure.
type FailureType string

const (
	FailureInvalidEndpoint    FailureType = "INVALID_ENDPOINT"
	FailureUnknownEndpoint    FailureType = "UNKNOWN_ENDPOINT"
	FailureUnknownOperation   FailureType = "UNKNOWN_OPERATION"
	FailureCommunicationError FailureType = "COMMUNICATION_ERROR"
	FailureFormatError        FailureType = "FORMAT_ERROR"
	FailureNoResponse         FailureType = "NO_RESPONSE"
	FailureAborted            FailureType = "ABORTED"
	FailureNoMatch            FailureType = "NOMATCH"
	FailureOther              FailureType = "OTHER"
)

// Style is how the invoker waits for the acknowledgement.
type Style string

const (
	StyleBlocking   Style = "BLOCKING"
	StyleAsync      Style = "ASYNC"
	StyleReliable   Style = "RELIABLE"
	StyleTransacted Style = "TRANSACTED"
)

// Transactional reports whether the style runs inside the caller's
// transaction.
func (s Style) Transactional() bool { return s == StyleTransacted || s == StyleReliable }

// Blocks reports whether the style keeps the caller synchronously waiting.
func (s Style) Blocks() bool { return s == StyleBlocking || s == StyleTransacted }

// Pattern is the message exchange pattern.
type Pattern string

const (
	PatternRequestOnly     Pattern = "REQUEST_ONLY"
	PatternRequestResponse Pattern = "REQUEST_RESPONSE"
)

// Direction tells which side of the exchange the engine is on.
type Direction string

const (
	// DirectionMyRole is the engine acting as the service.
	DirectionMyRole Direction = "MY_ROLE"
	// DirectionPartnerRole is the engine acting as a client of a partner.
	DirectionPartnerRole Direction = "PARTNER_ROLE"
)

// CorrelationStatus records what routing did with a my-role exchange.
type CorrelationStatus string

const (
	CorrelationNone           CorrelationStatus = ""
	CorrelationMatched        CorrelationStatus = "MATCHED"
	CorrelationQueued         CorrelationStatus = "QUEUED"
	CorrelationCreateInstance CorrelationStatus = "CREATE_INSTANCE"
)

// Property names the integration layer sets on exchanges.
const (
	PropertySepMyRoleSessionID      = "org.choreo.sep.myrole.session"
	PropertySepPartnerRoleSessionID = "org.choreo.sep.partnerrole.session"
	PropertySepPartnerRoleEPR       = "org.choreo.sep.partnerrole.epr"
)
