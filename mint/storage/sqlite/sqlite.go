package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/crypto"
	"github.com/cashumint/nutcore/mint/saga"
	"github.com/cashumint/nutcore/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

// create a temporary directory with the migration files.
// migration files are embedded with go:embed. These are then read
// and copied to a temporary directory.
// This is needed to pass the directory to migrate.New
func migrationsDir() (string, error) {
	tempDir, err := os.MkdirTemp("", "migrations")
	if err != nil {
		return "", err
	}

	migrationFiles, err := migrations.ReadDir("migrations")
	if err != nil {
		return "", err
	}

	for _, file := range migrationFiles {
		filePath := filepath.Join(tempDir, file.Name())

		migrationFilePath := filepath.Join("migrations", file.Name())
		migrationFile, err := migrations.Open(migrationFilePath)
		if err != nil {
			return "", err
		}
		defer migrationFile.Close()

		destFile, err := os.Create(filePath)
		if err != nil {
			return "", err
		}
		defer destFile.Close()

		_, err = io.Copy(destFile, migrationFile)
		if err != nil {
			return "", err
		}
	}

	return tempDir, nil
}

// InitSQLite opens (creating if needed) the mint database under path
// and brings the schema up to date. migrationPath overrides the
// embedded migration files, for setups that ship them separately.
func InitSQLite(path, migrationPath string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if len(migrationPath) == 0 {
		tempMigrationsDir, err := migrationsDir()
		if err != nil {
			return nil, err
		}
		defer os.RemoveAll(tempMigrationsDir)
		migrationPath = tempMigrationsDir
	}

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationPath), fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = id")
	err := row.Scan(&hexSeed)
	if err != nil {
		return nil, err
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, err
	}

	return seed, nil
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	maxOrder := keyset.MaxOrder
	if maxOrder == 0 {
		maxOrder = crypto.MAX_ORDER
	}

	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, seed, derivation_path_idx, input_fee_ppk, max_order, final_expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.Seed, keyset.DerivationPathIdx,
		keyset.InputFeePpk, maxOrder, keyset.FinalExpiry)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query(
		`SELECT id, unit, active, seed, derivation_path_idx, input_fee_ppk, max_order, final_expiry
		FROM keysets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		var maxOrder sql.NullInt64
		var finalExpiry sql.NullInt64
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.Seed,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
			&maxOrder,
			&finalExpiry,
		)
		if err != nil {
			return nil, err
		}
		keyset.MaxOrder = crypto.MAX_ORDER
		if maxOrder.Valid && maxOrder.Int64 > 0 {
			keyset.MaxOrder = uint(maxOrder.Int64)
		}
		if finalExpiry.Valid {
			keyset.FinalExpiry = uint64(finalExpiry.Int64)
		}
		keysets = append(keysets, keyset)
	}

	return keysets, nil
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveProofs(proofs cashu.Proofs) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return err
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

func (sqlite *SQLiteDB) GetProofsUsed(Ys []string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness FROM proofs WHERE y in (?` +
		strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
		)
		if err != nil {
			return nil, err
		}
		if witness.Valid {
			proof.Witness = witness.String
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) AddPendingProofs(proofs cashu.Proofs, quoteId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO pending_proofs (y, amount, keyset_id, secret, c, witness, melt_quote_id, pending_since)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return err
		}
		Yhex := hex.EncodeToString(Y.SerializeCompressed())

		if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness, quoteId, now); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

func (sqlite *SQLiteDB) GetPendingProofs(Ys []string) ([]storage.DBProof, error) {
	query := `SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id, pending_since
	FROM pending_proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`

	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPendingProofs(rows)
}

// scanPendingProofs reads pending_proofs rows selected with the full
// column list (y, amount, keyset_id, secret, c, witness, melt_quote_id,
// pending_since).
func scanPendingProofs(rows *sql.Rows) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString
		var pendingSince sql.NullInt64

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
			&proof.MeltQuoteId,
			&pendingSince,
		)
		if err != nil {
			return nil, err
		}

		if witness.Valid {
			proof.Witness = witness.String
		}
		if pendingSince.Valid {
			proof.PendingSince = pendingSince.Int64
		}

		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) GetPendingProofsOlderThan(seconds int64) ([]storage.DBProof, error) {
	cutoff := time.Now().Unix() - seconds
	rows, err := sqlite.db.Query(
		`SELECT y, amount, keyset_id, secret, c, witness, melt_quote_id, pending_since
		FROM pending_proofs WHERE pending_since <= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPendingProofs(rows)
}

func (sqlite *SQLiteDB) GetPendingProofsByQuote(quoteId string) ([]storage.DBProof, error) {
	proofs := []storage.DBProof{}
	query := `SELECT y, amount, keyset_id, secret, c, witness FROM pending_proofs WHERE melt_quote_id = ?`

	rows, err := sqlite.db.Query(query, quoteId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var proof storage.DBProof
		var witness sql.NullString

		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&witness,
		)
		if err != nil {
			return nil, err
		}

		if witness.Valid {
			proof.Witness = witness.String
		}

		proofs = append(proofs, proof)
	}

	return proofs, nil
}

func (sqlite *SQLiteDB) RemovePendingProofs(Ys []string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("DELETE FROM pending_proofs WHERE y = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, y := range Ys {
		if _, err := stmt.Exec(y); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

const mintQuoteColumns = `id, payment_request, payment_hash, amount, state, expiry, pubkey,
payment_method, amount_paid, amount_issued`

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	var pubkey string
	if mintQuote.Pubkey != nil {
		pubkey = hex.EncodeToString(mintQuote.Pubkey.SerializeCompressed())
	}

	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (`+mintQuoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
		pubkey,
		mintQuote.PaymentMethod,
		mintQuote.AmountPaid,
		mintQuote.AmountIssued,
	)

	return err
}

// scanMintQuote reads a mint_quotes row selected with mintQuoteColumns
// and loads its payment and issuance records.
func (sqlite *SQLiteDB) scanMintQuote(row *sql.Row) (storage.MintQuote, error) {
	var mintQuote storage.MintQuote
	var state string
	var pubkey sql.NullString
	var method sql.NullString
	var amountPaid sql.NullInt64
	var amountIssued sql.NullInt64

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
		&pubkey,
		&method,
		&amountPaid,
		&amountIssued,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)
	// rows written before the payment_method column existed are bolt11
	mintQuote.PaymentMethod = "bolt11"
	if method.Valid && len(method.String) > 0 {
		mintQuote.PaymentMethod = method.String
	}
	if amountPaid.Valid {
		mintQuote.AmountPaid = uint64(amountPaid.Int64)
	}
	if amountIssued.Valid {
		mintQuote.AmountIssued = uint64(amountIssued.Int64)
	}

	if pubkey.Valid && len(pubkey.String) > 0 {
		// these should not error because validation is done before saving with public key
		// if there is an error, something bad happened
		hexPubkey, err := hex.DecodeString(pubkey.String)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid public key in db: %v", err)
		}

		publicKey, err := secp256k1.ParsePubKey(hexPubkey)
		if err != nil {
			return storage.MintQuote{}, fmt.Errorf("invalid public key in db: %v", err)
		}
		mintQuote.Pubkey = publicKey
	}

	payments, err := sqlite.db.Query(
		"SELECT payment_id, amount, timestamp FROM mint_quote_payments WHERE quote_id = ? ORDER BY timestamp",
		mintQuote.Id)
	if err != nil {
		return storage.MintQuote{}, err
	}
	defer payments.Close()
	for payments.Next() {
		var payment nut04.Payment
		if err := payments.Scan(&payment.Id, &payment.Amount, &payment.Time); err != nil {
			return storage.MintQuote{}, err
		}
		mintQuote.Payments = append(mintQuote.Payments, payment)
	}

	issuance, err := sqlite.db.Query(
		"SELECT amount, timestamp FROM mint_quote_issued WHERE quote_id = ? ORDER BY timestamp",
		mintQuote.Id)
	if err != nil {
		return storage.MintQuote{}, err
	}
	defer issuance.Close()
	for issuance.Next() {
		var issued nut04.Issuance
		if err := issuance.Scan(&issued.Amount, &issued.Time); err != nil {
			return storage.MintQuote{}, err
		}
		mintQuote.Issuance = append(mintQuote.Issuance, issued)
	}

	return mintQuote, nil
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE id = ?", quoteId)
	return sqlite.scanMintQuote(row)
}

func (sqlite *SQLiteDB) GetMintQuoteByPaymentHash(paymentHash string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE payment_hash = ?", paymentHash)
	return sqlite.scanMintQuote(row)
}

func (sqlite *SQLiteDB) AddMintQuotePayment(quoteId, paymentId string, amount uint64, unixTime int64) (uint64, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}

	// the same payment can be observed by both the invoice subscription
	// and a concurrent status poll; only the first observation credits
	result, err := tx.Exec(
		"INSERT OR IGNORE INTO mint_quote_payments (quote_id, payment_id, amount, timestamp) VALUES (?, ?, ?, ?)",
		quoteId, paymentId, amount, unixTime,
	)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if inserted > 0 {
		if _, err := tx.Exec(
			"UPDATE mint_quotes SET amount_paid = amount_paid + ? WHERE id = ?",
			amount, quoteId,
		); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	var amountPaid uint64
	if err := tx.QueryRow(
		"SELECT amount_paid FROM mint_quotes WHERE id = ?", quoteId,
	).Scan(&amountPaid); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return amountPaid, nil
}

func (sqlite *SQLiteDB) AddMintQuoteIssuance(quoteId, operationId string, amount uint64, unixTime int64) (uint64, error) {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return 0, err
	}

	// recovery can replay a mint operation whose crash window is
	// unknown; only the first record for an operation id counts
	result, err := tx.Exec(
		"INSERT OR IGNORE INTO mint_quote_issued (quote_id, amount, timestamp, operation_id) VALUES (?, ?, ?, ?)",
		quoteId, amount, unixTime, operationId,
	)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if inserted > 0 {
		if _, err := tx.Exec(
			"UPDATE mint_quotes SET amount_issued = amount_issued + ? WHERE id = ?",
			amount, quoteId,
		); err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	var amountIssued uint64
	if err := tx.QueryRow(
		"SELECT amount_issued FROM mint_quotes WHERE id = ?", quoteId,
	).Scan(&amountIssued); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return amountIssued, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, state nut04.State) error {
	updatedState := state.String()
	result, err := sqlite.db.Exec("UPDATE mint_quotes SET state = ? WHERE id = ?", updatedState, quoteId)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("mint quote was not updated")
	}
	return nil
}

const meltQuoteColumns = `id, request, payment_hash, amount, fee_reserve, state, expiry, preimage,
is_mpp, amount_msat, payment_method, request_lookup_id, transaction_id`

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes (`+meltQuoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
		meltQuote.IsMpp,
		meltQuote.AmountMsat,
		meltQuote.PaymentMethod,
		meltQuote.RequestLookupId,
		meltQuote.TransactionId,
	)

	return err
}

// scanMeltQuote reads a melt_quotes row selected with meltQuoteColumns.
func scanMeltQuote(row *sql.Row) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string
	var isMpp sql.NullBool
	var amountMsat sql.NullInt64
	var method sql.NullString
	var requestLookupId sql.NullString
	var transactionId sql.NullString

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
		&isMpp,
		&amountMsat,
		&method,
		&requestLookupId,
		&transactionId,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)
	if isMpp.Valid {
		meltQuote.IsMpp = isMpp.Bool
	}
	if amountMsat.Valid {
		meltQuote.AmountMsat = uint64(amountMsat.Int64)
	}
	meltQuote.PaymentMethod = "bolt11"
	if method.Valid && len(method.String) > 0 {
		meltQuote.PaymentMethod = method.String
	}
	if requestLookupId.Valid {
		meltQuote.RequestLookupId = requestLookupId.String
	}
	if transactionId.Valid {
		meltQuote.TransactionId = transactionId.String
	}

	return meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(invoice string) (*storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE request = ?", invoice)
	meltQuote, err := scanMeltQuote(row)
	if err != nil {
		return nil, err
	}
	return &meltQuote, nil
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, state nut05.State) error {
	updatedState := state.String()
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ?",
		updatedState, preimage, quoteId,
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("melt quote was not updated")
	}
	return nil
}

func (sqlite *SQLiteDB) SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare("INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, sig := range blindSignatures {
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, sig.DLEQ.E, sig.DLEQ.S); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	return nil
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)

	var signature cashu.BlindedSignature
	var e sql.NullString
	var s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&signature.C_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	if !e.Valid || !s.Valid {
		signature.DLEQ = nil
	} else {
		signature.DLEQ = &cashu.DLEQProof{
			E: e.String,
			S: s.String,
		}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		var e sql.NullString
		var s sql.NullString

		err := rows.Scan(
			&signature.Amount,
			&signature.C_,
			&signature.Id,
			&e,
			&s,
		)
		if err != nil {
			return nil, err
		}

		if !e.Valid || !s.Valid {
			signature.DLEQ = nil
		} else {
			signature.DLEQ = &cashu.DLEQProof{
				E: e.String,
				S: s.String,
			}
		}

		signatures = append(signatures, signature)
	}

	return signatures, nil
}

func (sqlite *SQLiteDB) GetIssuedEcash() (map[string]uint64, error) {
	ecashIssued := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT * FROM total_issued")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashIssued[keysetId] = amount
	}

	return ecashIssued, nil
}

func (sqlite *SQLiteDB) GetRedeemedEcash() (map[string]uint64, error) {
	ecashRedeemed := make(map[string]uint64)

	rows, err := sqlite.db.Query("SELECT * FROM total_redeemed")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keysetId string
		var amount uint64
		if err := rows.Scan(&keysetId, &amount); err != nil {
			return nil, err
		}
		ecashRedeemed[keysetId] = amount
	}

	return ecashRedeemed, nil
}

func (sqlite *SQLiteDB) GetBalance() (uint64, error) {
	var issued sql.NullInt64
	if err := sqlite.db.QueryRow("SELECT SUM(amount) FROM total_issued").Scan(&issued); err != nil {
		return 0, err
	}

	var redeemed sql.NullInt64
	if err := sqlite.db.QueryRow("SELECT SUM(amount) FROM total_redeemed").Scan(&redeemed); err != nil {
		return 0, err
	}

	if issued.Int64 < redeemed.Int64 {
		return 0, errors.New("total redeemed exceeds total issued")
	}

	return uint64(issued.Int64 - redeemed.Int64), nil
}

func (sqlite *SQLiteDB) CommitSwap(
	Ys []string,
	proofs cashu.Proofs,
	B_s []string,
	blindSignatures cashu.BlindedSignatures,
) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}

	if len(Ys) > 0 {
		stmt, err := tx.Prepare("DELETE FROM pending_proofs WHERE y = ?")
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, y := range Ys {
			if _, err := stmt.Exec(y); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	if len(proofs) > 0 {
		stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, witness) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, proof := range proofs {
			Y, err := crypto.HashToCurve([]byte(proof.Secret))
			if err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
			Yhex := hex.EncodeToString(Y.SerializeCompressed())

			if _, err := stmt.Exec(Yhex, proof.Amount, proof.Id, proof.Secret, proof.C, proof.Witness); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
	}

	stmt, err := tx.Prepare("INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	for i, sig := range blindSignatures {
		if _, err := stmt.Exec(B_s[i], sig.C_, sig.Id, sig.Amount, sig.DLEQ.E, sig.DLEQ.S); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()

	return tx.Commit()
}

// sagaData is the json blob in saga_state's data column holding the
// per-operation payload.
type sagaData struct {
	BlindedSecrets []string `json:"blinded_secrets,omitempty"`
	InputYs        []string `json:"input_ys,omitempty"`
	Amount         uint64   `json:"amount,omitempty"`
}

func (sqlite *SQLiteDB) SaveSaga(sagaRecord saga.Saga) error {
	data, err := json.Marshal(sagaData{
		BlindedSecrets: sagaRecord.BlindedSecrets,
		InputYs:        sagaRecord.InputYs,
		Amount:         sagaRecord.Amount,
	})
	if err != nil {
		return err
	}

	_, err = sqlite.db.Exec(`
		INSERT INTO saga_state (operation_id, operation_kind, state, quote_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sagaRecord.OperationId,
		sagaRecord.Kind.String(),
		sagaRecord.State.String(),
		sagaRecord.QuoteId,
		string(data),
		sagaRecord.CreatedAt,
		sagaRecord.UpdatedAt,
	)
	return err
}

func (sqlite *SQLiteDB) GetSagas() ([]saga.Saga, error) {
	rows, err := sqlite.db.Query(
		`SELECT operation_id, operation_kind, state, quote_id, data, created_at, updated_at
		FROM saga_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sagas := []saga.Saga{}
	for rows.Next() {
		var sagaRecord saga.Saga
		var kind string
		var state string
		var quoteId sql.NullString
		var data sql.NullString

		err := rows.Scan(
			&sagaRecord.OperationId,
			&kind,
			&state,
			&quoteId,
			&data,
			&sagaRecord.CreatedAt,
			&sagaRecord.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		sagaRecord.Kind = saga.KindFromString(kind)
		sagaRecord.State = saga.StateFromString(state)
		if quoteId.Valid {
			sagaRecord.QuoteId = quoteId.String
		}
		if data.Valid && len(data.String) > 0 {
			var payload sagaData
			if err := json.Unmarshal([]byte(data.String), &payload); err != nil {
				return nil, fmt.Errorf("invalid saga data in db: %v", err)
			}
			sagaRecord.BlindedSecrets = payload.BlindedSecrets
			sagaRecord.InputYs = payload.InputYs
			sagaRecord.Amount = payload.Amount
		}

		sagas = append(sagas, sagaRecord)
	}

	return sagas, rows.Err()
}

func (sqlite *SQLiteDB) DeleteSaga(operationId string) error {
	_, err := sqlite.db.Exec("DELETE FROM saga_state WHERE operation_id = ?", operationId)
	return err
}
