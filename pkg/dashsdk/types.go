package dashsdk

// ============================================================================
// Profile Types
// ============================================================================

// User is the authenticated account holder.
type User struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	EmailVerifiedAt *string `json:"email_verified_at"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// Account is a financial account owned by the user.
type Account struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Balance           float64 `json:"balance"`
	UserID            int64   `json:"user_id,omitempty"`
	TransactionsCount int     `json:"transactions_count,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

// HasSufficientBalance reports whether an expense of amount fits the balance.
func (a Account) HasSufficientBalance(amount float64) bool {
	return a.Balance >= amount
}

// Profile is the payload of GET /me.
type Profile struct {
	User     User      `json:"user"`
	Accounts []Account `json:"accounts"`
}

// AuthResponse is returned by POST /login and POST /register.
type AuthResponse struct {
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Message     string `json:"message,omitempty"`

	// ExpiresAt and ExpiresIn are optional. When neither is present the
	// expiry is taken from the token itself if it is a JWT.
	ExpiresAt string `json:"expires_at,omitempty"`
	ExpiresIn int64  `json:"expires_in,omitempty"`
}

// refreshResponse is returned by POST /refresh.
type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// ============================================================================
// Transaction Types
// ============================================================================

// TransactionType is the direction of money movement.
type TransactionType string

const (
	TransactionIncome  TransactionType = "INCOME"
	TransactionExpense TransactionType = "EXPENSE"
)

// TransactionSubtype classifies a transaction within its type.
type TransactionSubtype string

const (
	SubtypeDocTed        TransactionSubtype = "DOC_TED"
	SubtypeBoleto        TransactionSubtype = "BOLETO"
	SubtypeCambio        TransactionSubtype = "CAMBIO"
	SubtypeEmprestimo    TransactionSubtype = "EMPRESTIMO"
	SubtypeDeposito      TransactionSubtype = "DEPOSITO"
	SubtypeTransferencia TransactionSubtype = "TRANSFERENCIA"
	SubtypeRestaurante   TransactionSubtype = "RESTAURANTE"
	SubtypeTransporte    TransactionSubtype = "TRANSAPORTE" // backend spelling
	SubtypeSalario       TransactionSubtype = "SALARIO"
	SubtypeReembolso     TransactionSubtype = "REEMBOLSO"
	SubtypeCashback      TransactionSubtype = "CASHBACK"
)

// SubtypeInfo describes a subtype for selection lists.
type SubtypeInfo struct {
	Label   string
	Type    TransactionType
	Subtype TransactionSubtype
}

// Subtypes lists every known subtype with the type it belongs to.
var Subtypes = []SubtypeInfo{
	{Label: "DOC/TED", Type: TransactionExpense, Subtype: SubtypeDocTed},
	{Label: "Boleto", Type: TransactionExpense, Subtype: SubtypeBoleto},
	{Label: "Câmbio de Moeda", Type: TransactionIncome, Subtype: SubtypeCambio},
	{Label: "Empréstimo e Financiamento", Type: TransactionIncome, Subtype: SubtypeEmprestimo},
	{Label: "Depósito", Type: TransactionIncome, Subtype: SubtypeDeposito},
	{Label: "Transferência", Type: TransactionExpense, Subtype: SubtypeTransferencia},
	{Label: "Restaurante", Type: TransactionExpense, Subtype: SubtypeRestaurante},
	{Label: "Transporte", Type: TransactionExpense, Subtype: SubtypeTransporte},
	{Label: "Salário", Type: TransactionIncome, Subtype: SubtypeSalario},
	{Label: "Reembolso", Type: TransactionIncome, Subtype: SubtypeReembolso},
	{Label: "Cashback", Type: TransactionIncome, Subtype: SubtypeCashback},
}

// TypeOf returns the transaction type a subtype belongs to.
func TypeOf(s TransactionSubtype) (TransactionType, bool) {
	for _, info := range Subtypes {
		if info.Subtype == s {
			return info.Type, true
		}
	}
	return "", false
}

// Transaction is a single movement on an account.
type Transaction struct {
	ID          int64              `json:"id"`
	Type        TransactionType    `json:"type"`
	Subtype     TransactionSubtype `json:"subtype"`
	Amount      float64            `json:"amount"`
	Description string             `json:"description"`
	Document    string             `json:"document,omitempty"`
	AccountID   int64              `json:"account_id"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

// IsIncome reports whether t adds to the balance.
func (t Transaction) IsIncome() bool { return t.Type == TransactionIncome }

// IsExpense reports whether t subtracts from the balance.
func (t Transaction) IsExpense() bool { return t.Type == TransactionExpense }

// AccountDetail is GET /accounts/{id}: the account plus its transactions.
type AccountDetail struct {
	Account
	Transactions []Transaction `json:"transactions"`
}

// TransactionInput is the body of transaction create and update calls.
type TransactionInput struct {
	Type        TransactionType    `json:"type" validate:"required,oneof=INCOME EXPENSE"`
	Subtype     TransactionSubtype `json:"subtype" validate:"required"`
	Amount      float64            `json:"amount" validate:"gt=0"`
	Description string             `json:"description" validate:"max=255"`
	Document    string             `json:"document,omitempty"`
}

type searchResponse struct {
	Transactions []Transaction `json:"transactions"`
}

// ============================================================================
// Request Bodies
// ============================================================================

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type accountRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

type searchRequest struct {
	Query string `json:"q" validate:"min=4"`
}
