package mint

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cashumint/nutcore/cashu"
	"github.com/cashumint/nutcore/cashu/nuts/nut01"
	"github.com/cashumint/nutcore/cashu/nuts/nut03"
	"github.com/cashumint/nutcore/cashu/nuts/nut04"
	"github.com/cashumint/nutcore/cashu/nuts/nut05"
	"github.com/cashumint/nutcore/cashu/nuts/nut07"
	"github.com/cashumint/nutcore/cashu/nuts/nut09"
	"github.com/cashumint/nutcore/mint/storage"
	"github.com/gorilla/mux"
)

type ServerConfig struct {
	Port int
	// MeltTimeout bounds how long a melt request blocks waiting on the
	// Lightning backend before the quote is left Pending for polling.
	MeltTimeout *time.Duration
}

const (
	cacheItemTTL    = 60 * 5
	cacheItemsLimit = 10000
	// requestBodySizeLimit caps what gets cached for NUT-19 idempotent
	// replay; larger bodies are still processed, just not cached.
	requestBodySizeLimit = 2 * 1024 * 1024

	activeKeysetCacheKey = "active_keyset"
	keysetCacheTTL       = 60 * 60 * 24
)

// Cache is a small in-memory TTL cache used two ways: to avoid
// recomputing the active/by-id keyset responses, and, keyed by
// method+url+body, to serve an identical replay of a mint or swap
// request its exact byte-for-byte JSON body without re-executing it
// (NUT-19 idempotency, https://github.com/cashubtc/nuts/blob/main/19.md).
type cacheItem struct {
	value      []byte
	expiration time.Time
}

type Cache struct {
	items map[string]cacheItem
	mu    sync.RWMutex
	limit int
}

func NewCache() *Cache {
	return &Cache{
		items: make(map[string]cacheItem),
		limit: cacheItemsLimit,
	}
}

func (c *Cache) Set(key string, item []byte, expiration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) <= c.limit {
		c.items[key] = cacheItem{value: item, expiration: time.Now().Add(expiration)}
	}
}

func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, found := c.items[key]
	if !found {
		return nil, false
	}
	if time.Now().After(item.expiration) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *Cache) DeleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, item := range c.items {
		if time.Now().After(item.expiration) {
			delete(c.items, k)
		}
	}
}

// MintServer is the mint's `/v1/...` JSON-over-HTTP surface,
// including the NUT-17 websocket endpoint at /v1/ws.
type MintServer struct {
	httpServer       *http.Server
	mint             *Mint
	cache            *Cache
	websocketManager *WebsocketManager

	meltTimeout *time.Duration
}

func SetupMintServer(m *Mint, config ServerConfig) *MintServer {
	mintServer := &MintServer{
		mint:             m,
		cache:            NewCache(),
		websocketManager: NewWebSocketManager(m),
		meltTimeout:      config.MeltTimeout,
	}
	mintServer.setupHttpServer(config.Port)
	return mintServer
}

func (ms *MintServer) Start() error {
	go func() {
		ticker := time.NewTicker(time.Second * 30)
		defer ticker.Stop()
		for {
			<-ticker.C
			ms.cache.DeleteExpired()
		}
	}()

	ms.mint.logInfof("mint server listening on: %v", ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	ms.mint.logInfof("shutdown complete")
	return nil
}

func (ms *MintServer) Shutdown() error {
	if err := ms.websocketManager.Shutdown(); err != nil {
		return err
	}
	return ms.httpServer.Shutdown(context.Background())
}

func (ms *MintServer) setupHttpServer(port int) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}", ms.mintQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint/{method}", ms.mintTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/swap", ms.swapRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}", ms.meltQuoteRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/melt/{method}", ms.meltTokensRequest).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", ms.tokenStateCheck).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/restore", ms.restoreSignatures).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/ws", ms.websocketManager.serveWS)

	r.Use(setupHeaders)

	ms.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// logRequest preserves the source position of the caller, the same
// runtime.Callers trick m.logInfof uses, so request logs point at the
// handler that logged them rather than at this helper.
func (ms *MintServer) logRequest(req *http.Request, statusCode int, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	r.Add(slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())))
	if statusCode >= 100 {
		r.Add(slog.Int("code", statusCode))
	}
	_ = ms.mint.logger.Handler().Handle(context.Background(), r)
}

func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, errResponse error, errLogMsg ...string) {
	code := http.StatusBadRequest

	log := errResponse.Error()
	if len(errLogMsg) > 0 {
		log = errLogMsg[0]
	}

	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, log, pcs[0])
	r.Add(slog.Group("request", slog.String("method", req.Method), slog.String("url", req.URL.String())), slog.Int("code", code))
	_ = ms.mint.logger.Handler().Handle(context.Background(), r)

	rw.WriteHeader(code)
	errRes, _ := json.Marshal(errResponse)
	rw.Write(errRes)
}

func (ms *MintServer) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	if cached, found := ms.cache.Get(activeKeysetCacheKey); found {
		ms.logRequest(req, http.StatusOK, "returning active keyset from cache")
		rw.Write(cached)
		return
	}

	activeKeyset := ms.mint.GetActiveKeyset()
	response := nut01.GetKeysResponse{
		Keysets: []nut01.Keyset{{Id: activeKeyset.Id, Unit: activeKeyset.Unit, Keys: activeKeyset.PublicKeys()}},
	}
	jsonRes, err := json.Marshal(&response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.cache.Set(activeKeysetCacheKey, jsonRes, time.Second*keysetCacheTTL)
	ms.logRequest(req, http.StatusOK, "returning active keyset")
	rw.Write(jsonRes)
}

func (ms *MintServer) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	jsonRes, err := json.Marshal(ms.mint.ListKeysets())
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	ms.logRequest(req, http.StatusOK, "returning list of all keysets")
	rw.Write(jsonRes)
}

func (ms *MintServer) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	if cached, found := ms.cache.Get(id); found {
		ms.logRequest(req, http.StatusOK, "returning keyset '%v' from cache", id)
		rw.Write(cached)
		return
	}

	keyset, err := ms.mint.GetKeysetById(id)
	if err != nil {
		ms.writeErr(rw, req, cashu.UnknownKeysetErr)
		return
	}

	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{keyset}}
	jsonRes, err := json.Marshal(&response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.cache.Set(id, jsonRes, time.Second*keysetCacheTTL)
	ms.logRequest(req, http.StatusOK, "returning keyset '%v'", id)
	rw.Write(jsonRes)
}

func mintQuoteResponseFrom(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	res := nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		State:   quote.State,
		Expiry:  int64(quote.Expiry),
		Paid:    quote.State == nut04.Paid || quote.State == nut04.Issued,
	}
	if quote.Pubkey != nil {
		res.Pubkey = hex.EncodeToString(quote.Pubkey.SerializeCompressed())
	}
	return res
}

// checkMethod reports whether the {method} path segment in a
// NUT-04/NUT-05 route names a payment method this mint has a backend
// for.
func (ms *MintServer) checkMethod(rw http.ResponseWriter, req *http.Request, method string) bool {
	if ms.mint.clientForMethod(method) == nil {
		ms.writeErr(rw, req, cashu.PaymentMethodNotSupportedErr)
		return false
	}
	return true
}

func (ms *MintServer) mintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	var mintReq nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.logRequest(req, 0, "mint quote request for %v %v", mintReq.Amount, mintReq.Unit)
	mintQuote, err := ms.mint.RequestMintQuote(method, mintReq)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(mintQuoteResponseFrom(mintQuote))
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "created mint quote '%v'", mintQuote.Id)
	rw.Write(jsonRes)
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	method := vars["method"]
	quoteId := vars["quote_id"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	mintQuote, err := ms.mint.GetMintQuoteState(quoteId)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(mintQuoteResponseFrom(mintQuote))
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning mint quote '%v' with state '%v'", mintQuote.Id, mintQuote.State)
	rw.Write(jsonRes)
}

func (ms *MintServer) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var mintReq nut04.PostMintBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	cacheKey := req.Method + req.URL.String() + string(body)
	if cached, found := ms.cache.Get(cacheKey); found {
		ms.logRequest(req, http.StatusOK, "returning signatures for mint quote '%v' from cache", mintReq.Quote)
		rw.Write(cached)
		return
	}

	blindedSignatures, err := ms.mint.MintTokens(mintReq)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut04.PostMintBolt11Response{Signatures: blindedSignatures})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	if len(body) < requestBodySizeLimit {
		ms.cache.Set(cacheKey, jsonRes, time.Second*cacheItemTTL)
	}

	ms.logRequest(req, http.StatusOK, "returning signatures for mint quote '%v'", mintReq.Quote)
	rw.Write(jsonRes)
}

func (ms *MintServer) swapRequest(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var swapReq nut03.PostSwapRequest
	if err := decodeJsonReqBody(req, &swapReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	cacheKey := req.Method + req.URL.String() + string(body)
	if cached, found := ms.cache.Get(cacheKey); found {
		ms.logRequest(req, http.StatusOK, "returning signatures for swap request from cache")
		rw.Write(cached)
		return
	}

	blindedSignatures, err := ms.mint.Swap(swapReq.Inputs, swapReq.Outputs)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut03.PostSwapResponse{Signatures: blindedSignatures})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	if len(body) < requestBodySizeLimit {
		ms.cache.Set(cacheKey, jsonRes, time.Second*cacheItemTTL)
	}

	ms.logRequest(req, http.StatusOK, "returning signatures on swap request")
	rw.Write(jsonRes)
}

func meltQuoteResponseFrom(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	change := make([]nut05.ChangeEntry, len(quote.Change))
	for i, sig := range quote.Change {
		change[i] = nut05.ChangeEntry{Amount: sig.Amount, Id: sig.Id, C_: sig.C_}
	}
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		State:      quote.State,
		Expiry:     int64(quote.Expiry),
		Preimage:   quote.Preimage,
		Change:     change,
		Paid:       quote.State == nut05.Paid,
	}
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	var meltReq nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	meltQuote, err := ms.mint.RequestMeltQuote(method, meltReq)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltQuoteResponseFrom(meltQuote))
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning melt quote '%v' for invoice with hash '%v'", meltQuote.Id, meltQuote.PaymentHash)
	rw.Write(jsonRes)
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	method := vars["method"]
	quoteId := vars["quote_id"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	meltQuote, err := ms.mint.GetMeltQuoteState(ctx, quoteId)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(meltQuoteResponseFrom(meltQuote))
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning melt quote '%v' with state '%v'", meltQuote.Id, meltQuote.State)
	rw.Write(jsonRes)
}

func (ms *MintServer) meltTokensRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]
	if !ms.checkMethod(rw, req, method) {
		return
	}

	var meltReq nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	timeout := time.Minute
	if ms.meltTimeout != nil {
		timeout = *ms.meltTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	meltQuote, err := ms.mint.MeltTokens(ctx, meltReq)
	if err != nil {
		if cashuErr, ok := err.(*cashu.Error); ok && cashuErr.Code == cashu.LightningBackendErrCode {
			ms.writeErr(rw, req, cashu.BuildCashuError("unable to send payment", cashu.StandardErrCode), cashuErr.Error())
			return
		}
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut05.PostMeltBolt11Response{
		Paid:     meltQuote.State == nut05.Paid,
		Preimage: meltQuote.Preimage,
		Change:   meltQuoteResponseFrom(meltQuote).Change,
	})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "melt for quote '%v' returned with state '%v'", meltQuote.Id, meltQuote.State)
	rw.Write(jsonRes)
}

func (ms *MintServer) tokenStateCheck(rw http.ResponseWriter, req *http.Request) {
	var stateReq nut07.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	proofStates, err := ms.mint.ProofsStateCheck(stateReq.Ys)
	if err != nil {
		ms.writeMintErr(rw, req, err)
		return
	}

	jsonRes, err := json.Marshal(nut07.PostCheckStateResponse{States: proofStates})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning proof states")
	rw.Write(jsonRes)
}

func (ms *MintServer) restoreSignatures(rw http.ResponseWriter, req *http.Request) {
	var restoreReq nut09.PostRestoreRequest
	if err := decodeJsonReqBody(req, &restoreReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	outputs, signatures, err := ms.mint.RestoreSignatures(restoreReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr, err.Error())
		return
	}

	jsonRes, err := json.Marshal(nut09.PostRestoreResponse{Outputs: outputs, Signatures: signatures})
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning signatures from restore request")
	rw.Write(jsonRes)
}

func (ms *MintServer) mintInfo(rw http.ResponseWriter, req *http.Request) {
	mintInfo, err := ms.mint.RetrieveMintInfo()
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr, err.Error())
		return
	}

	jsonRes, err := json.Marshal(&mintInfo)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr)
		return
	}

	ms.logRequest(req, http.StatusOK, "returning mint info")
	rw.Write(jsonRes)
}

// writeMintErr unwraps a cashu.Error returned by a Mint method: DB and
// Lightning backend failures are logged in full but surfaced to the
// client as the generic StandardErr, everything else is returned as-is.
func (ms *MintServer) writeMintErr(rw http.ResponseWriter, req *http.Request, err error) {
	if cashuErr, ok := err.(*cashu.Error); ok {
		if cashuErr.Code == cashu.LightningBackendErrCode || cashuErr.Code == cashu.DBErrCode {
			ms.writeErr(rw, req, cashu.StandardErr, cashuErr.Error())
			return
		}
	}
	ms.writeErr(rw, req, err)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.Split(ct, ";")[0])
		if mediaType != "application/json" {
			return cashu.BuildCashuError("Content-Type header is not application/json", cashu.StandardErrCode)
		}
	}

	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			return cashu.BuildCashuError(fmt.Sprintf("bad json at %d", syntaxErr.Offset), cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			return cashu.BuildCashuError(fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field), cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.EmptyBodyErr
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}
	return nil
}
