package tracker

// Realm names a partition of the account-id space. Each realm is enumerated
// independently and sequentially by the batch generator.
type Realm string

// Supported realms.
const (
	RealmXbox Realm = "xbox"
	RealmPS4  Realm = "ps4"
)

// Valid reports whether r is one of the known realms.
func (r Realm) Valid() bool {
	return r == RealmXbox || r == RealmPS4
}

// Batch is one unit of work: a contiguous half-open slice [Start, End) of the
// account-id space within a single realm. Batches are immutable once emitted;
// ids are assigned in emission order starting at 1 and never reused.
type Batch struct {
	ID    uint64 `json:"id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Realm Realm  `json:"realm"`
}

// PlayerRecord is one player's statistics as pulled from the upstream API.
// Timestamps travel as epoch seconds. The trailing counters are optional;
// older clients omit them.
type PlayerRecord struct {
	AccountID      int64  `json:"account_id"`
	Nickname       string `json:"nickname"`
	CreatedAt      int64  `json:"created_at"`
	LastBattleTime int64  `json:"last_battle_time"`
	UpdatedAt      int64  `json:"updated_at"`
	Battles        int32  `json:"battles"`

	Spotted              int32 `json:"spotted,omitempty"`
	Wins                 int32 `json:"wins,omitempty"`
	DamageDealt          int64 `json:"damage_dealt,omitempty"`
	Frags                int32 `json:"frags,omitempty"`
	DroppedCapturePoints int32 `json:"dropped_capture_points,omitempty"`
}

// Result is the payload a worker returns for one batch.
type Result struct {
	BatchID  uint64         `json:"batch_id"`
	Realm    Realm          `json:"realm"`
	PulledAt int64          `json:"pulled_at"`
	Players  []PlayerRecord `json:"players"`
}
