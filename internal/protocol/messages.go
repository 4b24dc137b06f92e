package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
	// Block payload encodings the client can read, e.g. ["ZSTD", "RAW"].
	Encodings []string `json:"encodings,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	SessionID       string  `json:"session_id"`
	Dims            int     `json:"dims"`
	ChunkSize       []int64 `json:"chunk_size"`
	Encoding        string  `json:"encoding"`
}

// Region is an inclusive box on the wire.
type Region struct {
	Lower []int64 `json:"lower"`
	Upper []int64 `json:"upper"`
}

// PROBE_REGIONS (client -> server). Subscribe=true asks for the current
// content of each region and for every later change; Subscribe=false drops
// the subscriptions.
type ProbeRegionsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id,omitempty"`
	Subscribe       bool     `json:"subscribe"`
	Regions         []Region `json:"regions"`
}

// Cuboid is encoding.Cuboid on the wire: lengths are varint RLE, data is
// base64 of the packed payloads, optionally zstd-compressed.
type Cuboid struct {
	Region   Region `json:"region"`
	Lengths  string `json:"lengths"`
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// DESCRIBE_REGIONS (server -> client)
type DescribeRegionsMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id,omitempty"`
	Cuboids         []Cuboid `json:"cuboids"`
}

// WRITE_BLOCKS (client -> server)
type WriteBlocksMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Cuboid          Cuboid `json:"cuboid"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewAck(reqID string, err error) AckMsg {
	a := AckMsg{Type: TypeAck, ProtocolVersion: Version, AckFor: reqID, Accepted: err == nil}
	if err != nil {
		a.Code = CodeFor(err)
		a.Message = err.Error()
	}
	return a
}
