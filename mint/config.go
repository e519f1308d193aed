package mint

import (
	"github.com/cashumint/nutcore/cashu/nuts/nut06"
	"github.com/cashumint/nutcore/mint/lightning"
	"time"
)

// LogLevel controls the verbosity of the mint's slog logger.
type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

// Config holds everything LoadMint needs to bring up a Mint: where its
// state lives, which Lightning backend to talk to, and the limits and
// info it advertises over NUT-06.
type Config struct {
	// RotateKeyset, if true, derives a brand new active keyset on
	// startup and demotes the current one to inactive.
	RotateKeyset      bool
	Port              int
	MintPath          string
	DBMigrationPath   string
	DerivationPathIdx uint32
	InputFeePpk       uint
	MintInfo          MintInfo
	Limits            MintLimits
	LightningClient   lightning.Client
	// Bolt12Client, when non-nil, enables the bolt12 payment method on
	// the quote routes, backed by this offer-based client.
	Bolt12Client lightning.Client
	EnableMPP    bool
	LogLevel          LogLevel
	EnableAdminServer bool
	// MeltTimeout bounds how long a melt request blocks waiting on the
	// Lightning backend before the quote is left Pending for polling.
	MeltTimeout *time.Duration
}

// MintInfo is the operator-supplied subset of NUT-06 mint info; the
// rest (version, supported nuts) is filled in by SetMintInfo, and the
// pubkey by RetrieveMintInfo.
type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}
