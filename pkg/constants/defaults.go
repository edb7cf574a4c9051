// Package constants defines the wire constants and timing defaults shared by
// every meshwire component. Values on the wire must match exactly between peers.
package constants

import "time"

// Wire Layout
const (
	// Encoded header sizes: version, type, ttl, timestamp(8), flags, length(2|4)
	HeaderSizeV1 = 14
	HeaderSizeV2 = 16

	// Sender and recipient identifiers are always exactly 8 bytes
	PeerIDSize = 8

	// Ed25519 packet signatures
	SignatureSize = 64

	// Original-size prefix written ahead of a compressed payload
	OriginalSizeFieldSize = 2

	// Largest payload the v1 length field can describe
	MaxPayloadV1 = 0xFFFF
)

// Protocol Versions
const (
	ProtocolVersion1 = 1
	ProtocolVersion2 = 2

	// Default hop budget for packets originated locally
	DefaultTTL = 7
)

// Compression
const (
	// Payloads shorter than this are never compressed
	CompressionThreshold = 100

	// Distinct-byte ratio at or above which data is treated as incompressible
	CompressionMaxUniqueRatio = 0.9

	// Bytes sampled by the compressibility heuristic
	CompressionSampleSize = 256
)

// Padding
const (
	// Minimum overhead reserved when choosing a padding block
	PaddingOverhead = 16

	// Largest pad a single trailing length byte can describe
	MaxPadLength = 255
)

// PaddingBlockSizes are the frame sizes encoded packets are rounded up to.
var PaddingBlockSizes = []int{256, 512, 1024, 2048}

// Fragmentation
const (
	FragmentThreshold  = 512
	MaxFragmentSize    = 469
	FragmentTimeout    = 30 * time.Second
	FragmentHeaderSize = 12
)

// Peer Tracking
const (
	StalePeerTimeout  = 3 * time.Minute
	PeerSweepInterval = 30 * time.Second

	// Removed peer IDs remembered so late packets do not resurrect them;
	// the set is reset when full
	MaxRemovedPeers = 1000
)

// Message Deduplication
const (
	// ANNOUNCE packets are periodic, so their window is shorter
	AnnounceDedupWindow = 60000 * time.Millisecond
	MaxTrackedAnnounces = 1000

	MessageDedupWindow     = 5 * time.Minute
	MaxProcessedMessages   = 5000
	MessageCleanupInterval = 5 * time.Minute
)

// File Transfer TLV
const (
	MaxTLVValueSize   = 0xFFFF
	FileSizeFieldSize = 8
)

// Relay (NIP-44 v2) Encryption
const (
	NIP44VersionPrefix = "v2:"
	NIP44KeyInfo       = "nip44-v2"
	NIP44KeySize       = 32

	// Relay event timestamps are randomized up to two days into the past
	DefaultTimestampJitter = 172800

	AESKeyIterations = 100000
	AESKeySize       = 32
	AESNonceSize     = 12
)

// Noise Sessions
const (
	// Explicit big-endian transport nonce carried ahead of each ciphertext
	NoiseNonceSize = 4
	MaxNoiseNonce  = 1<<32 - 1

	// Replay window for out-of-order Noise transport messages
	NoiseReplayWindow = 1024

	// First XX handshake message is the initiator's bare ephemeral key
	NoiseXXFirstMessageSize = 32

	// Sessions past either limit should be re-handshaked
	NoiseRekeyInterval     = time.Hour
	NoiseRekeyMessageLimit = 10000

	// Encrypted packets held per peer until its session is established
	MaxPendingEncrypted = 64
)

// Mesh Service
const (
	AnnounceInterval   = 30 * time.Second
	RekeyCheckInterval = time.Minute

	// Crypto workers shared by handshake and decrypt processing
	DefaultWorkers = 4

	// Inbound packets buffered per peer before new arrivals are dropped
	PeerInboxSize = 256

	// A sender's actor exits after this long without packets
	PeerInboxIdleTimeout = 2 * time.Minute

	// Packets from new senders are dropped while this many actors are live
	MaxPeerInboxes = 1024
)

// Relay Transport
const (
	DefaultRelayPort = 27490
	RelayALPN        = "meshwire/1"
	MaxRelayFrame    = 1 << 20
)

// Error Codes
const (
	ErrorTruncated     = 1
	ErrorBadVersion    = 2
	ErrorLengthOverrun = 3
	ErrorDecompress    = 4
	ErrorOversize      = 5
	ErrorInternal      = 6
)
