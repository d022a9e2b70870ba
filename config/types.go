package config

// Chain holds the EIP-712 domain actions are signed under.
type Chain struct {
	DomainName    string `toml:"DomainName"`
	DomainVersion string `toml:"DomainVersion"`
}

// Canonical describes the canonical layer and its escrow account.
type Canonical struct {
	Layer uint32 `toml:"Layer"`
	// DefaultLayer is the execution layer withdrawals flush.
	DefaultLayer uint32 `toml:"DefaultLayer"`
	Escrow       string `toml:"Escrow"`
	InboxLimit   int    `toml:"InboxLimit"`
}

// Layer describes one execution layer served by this process.
type Layer struct {
	ID                uint32 `toml:"ID"`
	Name              string `toml:"Name"`
	ChainID           uint64 `toml:"ChainID"`
	VerifyingContract string `toml:"VerifyingContract"`
	MaxBatchSize      int    `toml:"MaxBatchSize"`
	InboxLimit        int    `toml:"InboxLimit"`
}

// Ledger selects what happens to staker rewards nobody can receive.
type Ledger struct {
	EmptyPool string `toml:"EmptyPool"`
}

// Cost prices one action type. Tokens is a decimal token amount.
type Cost struct {
	Tokens         string `toml:"Tokens"`
	StakerShareBps uint32 `toml:"StakerShareBps"`
}

// Fees prices cross-layer messages in base units.
type Fees struct {
	BaseNative    string `toml:"BaseNative"`
	PerByteNative string `toml:"PerByteNative"`
	MessageToken  string `toml:"MessageToken"`
}

// RPC configures the HTTP surface.
type RPC struct {
	ListenAddress     string  `toml:"ListenAddress"`
	JWTSecretEnv      string  `toml:"JWTSecretEnv"`
	JWTIssuer         string  `toml:"JWTIssuer"`
	JWTAudience       string  `toml:"JWTAudience"`
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
	ReadHeaderTimeout int     `toml:"ReadHeaderTimeout"`
	// EnableCanonicalWrites exposes deposit, authenticate and withdraw.
	EnableCanonicalWrites bool `toml:"EnableCanonicalWrites"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Indexer configures the action history database.
type Indexer struct {
	Enabled bool   `toml:"Enabled"`
	DSN     string `toml:"DSN"`
}

// Webhook pushes selected node events to an HTTP endpoint. Empty Endpoint
// disables it.
type Webhook struct {
	Endpoint  string   `toml:"Endpoint"`
	SecretEnv string   `toml:"SecretEnv"`
	Events    []string `toml:"Events"`
}
