package protocol

// Message type constants for control channel envelopes.
const (
	TypeNegotiationOffer  = "negotiation_offer"
	TypeNegotiationResult = "negotiation_result"
	TypeAuthRequest       = "auth_request"
	TypeAuthChallenge     = "auth_challenge"
	TypeAuthResponse      = "auth_response"
	TypeAuthResult        = "auth_result"
	TypeQuery             = "query"
	TypeQueryPage         = "query_page"
	TypeObjStat           = "obj_stat"
	TypeObjStatResult     = "obj_stat_result"
	TypeMkdir             = "mkdir"
	TypeParallelOpen      = "parallel_open"
	TypeParallelPlan      = "parallel_plan"
	TypeParallelComplete  = "parallel_complete"
	TypeParallelResult    = "parallel_result"
	TypeParallelAbort     = "parallel_abort"
	TypeOK                = "ok"
	TypeError             = "error"
	TypeDisconnect        = "disconnect"
)

// Error codes carried by Error messages.
const (
	CodeNotFound  = "not_found"
	CodeInvalid   = "invalid"
	CodeProtocol  = "protocol"
	CodeIntegrity = "integrity"
	CodeInternal  = "internal"
	CodeDenied    = "denied"
)

// Negotiation outcomes reported by the server.
const (
	OutcomeUseSSL  = "CS_NEG_USE_SSL"
	OutcomeUseTCP  = "CS_NEG_USE_TCP"
	OutcomeFailure = "CS_NEG_FAILURE"
)

// Object types reported in stat results and query rows.
const (
	ObjectTypeCollection = "collection"
	ObjectTypeDataObject = "data_object"
)

// Parallel transfer operations.
const (
	OpPut = "put"
	OpGet = "get"
)

// Data channel join status bytes.
const (
	JoinReady    = byte(0x01)
	JoinRejected = byte(0x02)
	StreamStart  = byte(0x03)
	RangeOK      = byte(0x10)
	RangeFailed  = byte(0x11)
	RangeCorrupt = byte(0x12)
)
