package protocol

// Error is returned by the server in place of the expected response.
type Error struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// OK acknowledges a request that has no other result.
type OK struct{}

// NegotiationOffer opens the connection with the client's encryption policy.
type NegotiationOffer struct {
	Policy     string   `msgpack:"policy"`
	Algorithms []string `msgpack:"algorithms,omitempty"`
}

// NegotiationResult is the server's verdict on a NegotiationOffer.
type NegotiationResult struct {
	Outcome    string `msgpack:"outcome"`
	Algorithm  string `msgpack:"algorithm,omitempty"`
	KeySize    int    `msgpack:"key_size,omitempty"`
	IVSize     int    `msgpack:"iv_size,omitempty"`
	SaltSize   int    `msgpack:"salt_size,omitempty"`
	HashRounds int    `msgpack:"hash_rounds,omitempty"`
	Reason     string `msgpack:"reason,omitempty"`
}

// AuthRequest starts credential exchange.
type AuthRequest struct {
	User string `msgpack:"user"`
	Zone string `msgpack:"zone"`
}

// AuthChallenge carries the server nonce the client must prove knowledge over.
type AuthChallenge struct {
	Nonce []byte `msgpack:"nonce"`
}

// AuthResponse carries the client's proof.
type AuthResponse struct {
	Proof []byte `msgpack:"proof"`
}

// AuthResult reports whether the credentials were accepted.
type AuthResult struct {
	OK      bool   `msgpack:"ok"`
	Message string `msgpack:"message,omitempty"`
}

// Query requests one page of a catalog query.
type Query struct {
	Query      string `msgpack:"query"`
	StartIndex int    `msgpack:"start_index"`
	PageSize   int    `msgpack:"page_size"`
}

// QueryPage is one page of query results.
type QueryPage struct {
	Columns      []string   `msgpack:"columns"`
	Rows         [][]string `msgpack:"rows"`
	StartIndex   int        `msgpack:"start_index"`
	LastPage     bool       `msgpack:"last_page"`
	TotalRecords int64      `msgpack:"total_records"`
}

// ObjStat requests metadata for a single path.
type ObjStat struct {
	Path string `msgpack:"path"`
}

// ObjStatResult describes a collection or data object.
type ObjStatResult struct {
	Path       string `msgpack:"path"`
	Type       string `msgpack:"type"`
	Size       int64  `msgpack:"size"`
	Owner      string `msgpack:"owner"`
	Zone       string `msgpack:"zone"`
	CreateTime int64  `msgpack:"create_time"`
	ModifyTime int64  `msgpack:"modify_time"`
	Checksum   string `msgpack:"checksum,omitempty"`
}

// Mkdir creates a collection.
type Mkdir struct {
	Path    string `msgpack:"path"`
	Parents bool   `msgpack:"parents"`
}

// RangeSpec is one contiguous byte range of a parallel transfer.
type RangeSpec struct {
	Offset int64 `msgpack:"offset"`
	Length int64 `msgpack:"length"`
}

// ParallelOpen asks the server to prepare data channels for a transfer.
type ParallelOpen struct {
	TransferID     string      `msgpack:"transfer_id"`
	Op             string      `msgpack:"op"`
	Path           string      `msgpack:"path"`
	TotalBytes     int64       `msgpack:"total_bytes"`
	Ranges         []RangeSpec `msgpack:"ranges"`
	ChunkSize      int         `msgpack:"chunk_size"`
	Algorithm      string      `msgpack:"algorithm"`
	Key            []byte      `msgpack:"key,omitempty"`
	ChecksumPolicy string      `msgpack:"checksum_policy"`
	Transport      string      `msgpack:"transport"`
	BufferSize     int         `msgpack:"buffer_size,omitempty"`
}

// DataEndpoint is where one worker connects and the cookie it presents.
type DataEndpoint struct {
	Address string `msgpack:"address"`
	Cookie  []byte `msgpack:"cookie"`
}

// ParallelPlan answers ParallelOpen with one endpoint per range.
type ParallelPlan struct {
	TransferID string         `msgpack:"transfer_id"`
	Endpoints  []DataEndpoint `msgpack:"endpoints"`
}

// ParallelComplete tells the server every worker finished.
type ParallelComplete struct {
	TransferID string `msgpack:"transfer_id"`
}

// ParallelResult reports the server's view of a finished transfer.
type ParallelResult struct {
	TransferID       string `msgpack:"transfer_id"`
	BytesTransferred int64  `msgpack:"bytes_transferred"`
	Checksum         string `msgpack:"checksum"`
}

// ParallelAbort releases a transfer's data channels after a client-side failure.
type ParallelAbort struct {
	TransferID string `msgpack:"transfer_id"`
	Reason     string `msgpack:"reason,omitempty"`
}
