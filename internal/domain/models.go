package domain

import "time"

// RequestContext identifies who is calling and on behalf of which establishment.
// It is resolved once at the HTTP edge and passed explicitly to every service call.
type RequestContext struct {
	UserID          string
	Username        string
	EstablishmentID string
	Role            string
}

type Product struct {
	ID              string `json:"id"`
	EstablishmentID string `json:"etablissement_id"`
	Name            string `json:"nom"`
	PriceCents      int64  `json:"prix_vente"`
	VatClass        string `json:"taux_tva"`
	TrackStock      bool   `json:"gerer_stock"`
	Stock           *int   `json:"stock_actuel,omitempty"`
	Active          bool   `json:"actif"`
}

type SaleLineInput struct {
	ProductID      string `json:"produitId"`
	Quantity       int    `json:"quantite"`
	UnitPriceCents int64  `json:"prixUnitaire"`
	VatClass       string `json:"tauxTva"`
	Notes          string `json:"notes,omitempty"`
}

type PaymentInput struct {
	Mode        string `json:"modePaiement"`
	AmountCents int64  `json:"montant"`
	Reference   string `json:"reference,omitempty"`
}

type DiscountInput struct {
	Type  string `json:"type"`
	Value int64  `json:"valeur"`
}

type SyncSaleRequest struct {
	IdempotencyKey  string          `json:"idempotencyKey"`
	SaleType        string          `json:"typeVente"`
	Lines           []SaleLineInput `json:"lignes"`
	PaymentMode     string          `json:"modePaiement"`
	ReceivedCents   int64           `json:"montantRecu"`
	ChangeCents     int64           `json:"montantRendu"`
	Reference       string          `json:"reference,omitempty"`
	Payments        []PaymentInput  `json:"paiements,omitempty"`
	Discount        *DiscountInput  `json:"remise,omitempty"`
	TableID         string          `json:"tableId,omitempty"`
	ClientID        string          `json:"clientId,omitempty"`
	CashSessionID   string          `json:"sessionCaisseId,omitempty"`
	DeliveryAddress string          `json:"adresseLivraison,omitempty"`
	DeliveryNotes   string          `json:"notesLivraison,omitempty"`
}

type SyncSaleData struct {
	ID           string `json:"id"`
	TicketNumber string `json:"numeroTicket"`
}

type SyncSaleResponse struct {
	Success    bool         `json:"success"`
	Idempotent bool         `json:"idempotent"`
	Data       SyncSaleData `json:"data"`
}

type IdempotencyLookupResponse struct {
	Found     bool          `json:"found"`
	Data      *SyncSaleData `json:"data,omitempty"`
	ExpiresAt string        `json:"expires_at,omitempty"`
}

type SweepResponse struct {
	Success bool  `json:"success"`
	Deleted int64 `json:"deleted"`
}

type SaleLine struct {
	ID             string `json:"id"`
	ProductID      string `json:"produit_id"`
	ProductName    string `json:"produit_nom"`
	Quantity       int    `json:"quantite"`
	UnitPriceCents int64  `json:"prix_unitaire"`
	VatClass       string `json:"taux_tva"`
	VatRatePercent int64  `json:"taux_tva_pourcent"`
	SubtotalCents  int64  `json:"sous_total"`
	VatCents       int64  `json:"montant_tva"`
	TotalCents     int64  `json:"total"`
	Notes          string `json:"notes,omitempty"`
}

type Payment struct {
	ID            string `json:"id"`
	Mode          string `json:"mode_paiement"`
	AmountCents   int64  `json:"montant"`
	Reference     string `json:"reference,omitempty"`
	ReceivedCents int64  `json:"montant_recu,omitempty"`
	ChangeCents   int64  `json:"montant_rendu,omitempty"`
}

type Sale struct {
	ID              string     `json:"id"`
	TicketNumber    string     `json:"numero_ticket"`
	EstablishmentID string     `json:"etablissement_id"`
	Status          string     `json:"statut"`
	Type            string     `json:"type_vente"`
	SubtotalCents   int64      `json:"sous_total"`
	VatCents        int64      `json:"total_tva"`
	DiscountCents   int64      `json:"total_remise"`
	TotalCents      int64      `json:"total_final"`
	TableID         string     `json:"table_id,omitempty"`
	ClientID        string     `json:"client_id,omitempty"`
	CashSessionID   string     `json:"session_caisse_id,omitempty"`
	DeliveryAddress string     `json:"adresse_livraison,omitempty"`
	DeliveryNotes   string     `json:"notes_livraison,omitempty"`
	CreatedBy       string     `json:"utilisateur_id"`
	CancelReason    string     `json:"motif_annulation,omitempty"`
	CancelledAt     *time.Time `json:"annule_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	Lines           []SaleLine `json:"lignes"`
	Payments        []Payment  `json:"paiements"`
}

// SaleDraft is a fully priced sale that has not been numbered or persisted yet.
// The repository assigns the ticket number, commits the idempotency record and
// applies stock in the same unit of work.
type SaleDraft struct {
	Sale           Sale
	IdempotencyKey string
	BusinessDate   string
	ExpiresAt      time.Time
}

// SaleCommit is what the repository reports back after materializing a draft.
// Replayed is set when a live idempotency record already existed and nothing was written.
type SaleCommit struct {
	Sale      *Sale
	Movements []StockMovement
	Replayed  bool
}

type IdempotencyRecord struct {
	Key             string    `json:"cle"`
	EstablishmentID string    `json:"etablissement_id"`
	SaleID          string    `json:"vente_id"`
	TicketNumber    string    `json:"numero_ticket"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type TicketCounter struct {
	EstablishmentID string `json:"etablissement_id"`
	LastSequence    int    `json:"dernier_numero_ticket"`
	LastDate        string `json:"date_dernier_ticket"`
}

type StockMovement struct {
	ID              string    `json:"id"`
	ProductID       string    `json:"produit_id"`
	EstablishmentID string    `json:"etablissement_id"`
	Type            string    `json:"type"`
	Quantity        int       `json:"quantite"`
	QuantityBefore  int       `json:"quantite_avant"`
	QuantityAfter   int       `json:"quantite_apres"`
	Motif           string    `json:"motif"`
	Reference       string    `json:"reference,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type CashSession struct {
	ID                string     `json:"id"`
	EstablishmentID   string     `json:"etablissement_id"`
	UserID            string     `json:"utilisateur_id"`
	OpeningFloatCents int64      `json:"fond_caisse"`
	OpenedAt          time.Time  `json:"date_ouverture"`
	ClosedAt          *time.Time `json:"date_cloture,omitempty"`
	ClosedBy          string     `json:"cloture_par,omitempty"`
	CountedCashCents  *int64     `json:"especes_comptees,omitempty"`
	ExpectedCashCents *int64     `json:"especes_attendues,omitempty"`
	VarianceCents     *int64     `json:"ecart,omitempty"`
	Notes             string     `json:"notes_cloture,omitempty"`
}

func (s CashSession) IsOpen() bool {
	return s.ClosedAt == nil
}

func (s CashSession) Status() string {
	if s.IsOpen() {
		return SessionStatusOpen
	}
	return SessionStatusClosed
}

type SessionTotals struct {
	SalesCount       int64 `json:"nombre_ventes"`
	TotalSalesCents  int64 `json:"total_ventes"`
	CashCents        int64 `json:"total_especes"`
	CardCents        int64 `json:"total_cartes"`
	MobileMoneyCents int64 `json:"total_mobile_money"`
	OtherCents       int64 `json:"total_autres"`
}

type OpenSessionRequest struct {
	OpeningFloatCents int64 `json:"fondCaisse"`
}

type CloseSessionRequest struct {
	CountedCashCents int64  `json:"especesComptees"`
	Notes            string `json:"notes,omitempty"`
}

type SessionView struct {
	Session CashSession   `json:"session"`
	Status  string        `json:"statut"`
	Totals  SessionTotals `json:"totaux"`
}

type CancelSaleRequest struct {
	Reason     string `json:"motif"`
	ManagerPIN string `json:"pinManager,omitempty"`
}

type DailyReportPayment struct {
	Mode        string `json:"mode_paiement"`
	Payments    int64  `json:"nombre"`
	AmountCents int64  `json:"montant"`
}

type DailyReport struct {
	EstablishmentID string               `json:"etablissement_id"`
	Date            string               `json:"date"`
	Sales           int64                `json:"nombre_ventes"`
	Cancelled       int64                `json:"nombre_annulees"`
	SubtotalCents   int64                `json:"sous_total"`
	VatCents        int64                `json:"total_tva"`
	DiscountCents   int64                `json:"total_remise"`
	TotalCents      int64                `json:"total_final"`
	ByPayment       []DailyReportPayment `json:"par_mode_paiement"`
}

type AuditLog struct {
	ID              string    `json:"id"`
	EstablishmentID string    `json:"etablissement_id"`
	UserID          string    `json:"utilisateur_id"`
	Role            string    `json:"role"`
	Action          string    `json:"action"`
	EntityType      string    `json:"entite"`
	EntityID        string    `json:"entite_id"`
	Detail          string    `json:"details"`
	CreatedAt       time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken     string `json:"access_token"`
	Role            string `json:"role"`
	EstablishmentID string `json:"etablissement_id"`
	ExpiresAt       string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID              string
	Username        string
	Password        string
	Role            string
	EstablishmentID string
	Active          bool
	CreatedAt       time.Time
}

const (
	SaleStatusPending   = "EN_COURS"
	SaleStatusPaid      = "PAYEE"
	SaleStatusCancelled = "ANNULEE"
)

const (
	SaleTypeDirect   = "DIRECT"
	SaleTypeTable    = "TABLE"
	SaleTypeDelivery = "LIVRAISON"
	SaleTypeTakeaway = "EMPORTER"
)

const (
	VatClassStandard = "STANDARD"
	VatClassReduced  = "REDUIT"
	VatClassExempt   = "EXONERE"
)

const (
	DiscountPercentage  = "PERCENTAGE"
	DiscountFixedAmount = "FIXED_AMOUNT"
)

const (
	PaymentCash        = "ESPECES"
	PaymentCard        = "CARTE_BANCAIRE"
	PaymentOrangeMoney = "ORANGE_MONEY"
	PaymentMTNMoney    = "MTN_MONEY"
	PaymentMoovMoney   = "MOOV_MONEY"
	PaymentWave        = "WAVE"
	PaymentMobileMoney = "MOBILE_MONEY"
	PaymentCheque      = "CHEQUE"
	PaymentTransfer    = "VIREMENT"
	PaymentAccount     = "COMPTE_CLIENT"
	PaymentMixed       = "MIXTE"
)

const (
	StockMovementIn         = "ENTREE"
	StockMovementOut        = "SORTIE"
	StockMovementAdjustment = "AJUSTEMENT"
)

const (
	SessionStatusOpen   = "OUVERTE"
	SessionStatusClosed = "FERMEE"
)

const (
	RoleAdmin   = "ADMIN"
	RoleManager = "MANAGER"
	RoleCashier = "CAISSIER"
	RoleWaiter  = "SERVEUR"
)
