package devnet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/token-airdrop/airdrop/internal/ledger"
	"github.com/token-airdrop/airdrop/internal/protocol"
)

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

// Result always carries a value on success; JSON-RPC clients treat a missing
// result as an error.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MaxAirdropLamports caps a single requestAirdrop.
const MaxAirdropLamports = 1_000_000_000_000

type rpcHandler func(s *Server, params []json.RawMessage) (interface{}, *rpcError)

var rpcMethods = map[string]rpcHandler{
	"getAccountInfo":       (*Server).rpcGetAccountInfo,
	"getBalance":           (*Server).rpcGetBalance,
	"getBlockHeight":       (*Server).rpcGetBlockHeight,
	"getHealth":            (*Server).rpcGetHealth,
	"getLatestBlockhash":   (*Server).rpcGetLatestBlockhash,
	"getSignatureStatuses": (*Server).rpcGetSignatureStatuses,
	"requestAirdrop":       (*Server).rpcRequestAirdrop,
	"sendTransaction":      (*Server).rpcSendTransaction,
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	resp := jsonRPCResponse{JSONRPC: "2.0"}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = &rpcError{ledger.CodeParseError, "parse error: " + err.Error()}
		resp.ID = json.RawMessage("null")
		writeJSON(w, resp)
		return
	}
	resp.ID = req.ID
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}

	handler, ok := rpcMethods[req.Method]
	if !ok {
		s.metrics.rpcRequests.WithLabelValues("unknown").Inc()
		resp.Error = &rpcError{ledger.CodeMethodNotFound, "method not found: " + req.Method}
		writeJSON(w, resp)
		return
	}
	s.metrics.rpcRequests.WithLabelValues(req.Method).Inc()

	result, rpcErr := handler(s, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &rpcError{ledger.CodeInternal, err.Error()}
		} else {
			resp.Result = raw
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func invalidParams(msg string) *rpcError {
	return &rpcError{ledger.CodeInvalidParams, "invalid params: " + msg}
}

func pubkeyParam(params []json.RawMessage, i int) (protocol.Pubkey, *rpcError) {
	if len(params) <= i {
		return protocol.Pubkey{}, invalidParams("missing account address")
	}
	var pk protocol.Pubkey
	if err := json.Unmarshal(params[i], &pk); err != nil {
		return protocol.Pubkey{}, invalidParams(err.Error())
	}
	return pk, nil
}

// optionalParam decodes params[i] into v when present.
func optionalParam(params []json.RawMessage, i int, v interface{}) *rpcError {
	if len(params) <= i {
		return nil
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func (s *Server) rpcContext() ledger.RPCContext {
	return ledger.RPCContext{Slot: s.chain.Height()}
}

func (s *Server) rpcGetAccountInfo(params []json.RawMessage) (interface{}, *rpcError) {
	pk, perr := pubkeyParam(params, 0)
	if perr != nil {
		return nil, perr
	}
	var cfg ledger.CommitmentConfig
	if perr := optionalParam(params, 1, &cfg); perr != nil {
		return nil, perr
	}
	if cfg.Encoding != "" && cfg.Encoding != "base64" {
		return nil, invalidParams("only base64 account encoding is supported")
	}

	acct, err := s.store.Get(pk)
	if err != nil {
		return nil, &rpcError{ledger.CodeInternal, err.Error()}
	}
	res := ledger.AccountInfoResult{Context: s.rpcContext()}
	if acct != nil {
		res.Value = &ledger.AccountInfo{
			Lamports:   acct.Lamports,
			Owner:      acct.Owner,
			Data:       ledger.EncodedData(acct.Data),
			Executable: acct.Executable,
		}
	}
	return res, nil
}

func (s *Server) rpcGetBalance(params []json.RawMessage) (interface{}, *rpcError) {
	pk, perr := pubkeyParam(params, 0)
	if perr != nil {
		return nil, perr
	}
	acct, err := s.store.Get(pk)
	if err != nil {
		return nil, &rpcError{ledger.CodeInternal, err.Error()}
	}
	res := ledger.BalanceResult{Context: s.rpcContext()}
	if acct != nil {
		res.Value = acct.Lamports
	}
	return res, nil
}

func (s *Server) rpcGetBlockHeight(params []json.RawMessage) (interface{}, *rpcError) {
	return s.chain.Height(), nil
}

func (s *Server) rpcGetHealth(params []json.RawMessage) (interface{}, *rpcError) {
	return "ok", nil
}

func (s *Server) rpcGetLatestBlockhash(params []json.RawMessage) (interface{}, *rpcError) {
	hash, lastValid := s.chain.Latest()
	return ledger.LatestBlockhashResult{
		Context: s.rpcContext(),
		Value: ledger.BlockhashValue{
			Blockhash:            hash,
			LastValidBlockHeight: lastValid,
		},
	}, nil
}

func (s *Server) rpcGetSignatureStatuses(params []json.RawMessage) (interface{}, *rpcError) {
	if len(params) == 0 {
		return nil, invalidParams("missing signature list")
	}
	var sigs []protocol.Signature
	if err := json.Unmarshal(params[0], &sigs); err != nil {
		return nil, invalidParams(err.Error())
	}
	head := s.chain.Height()
	res := ledger.SignatureStatusesResult{
		Context: ledger.RPCContext{Slot: head},
		Value:   make([]*ledger.SignatureStatus, len(sigs)),
	}
	for i, sig := range sigs {
		if st := s.statuses.Get(sig); st != nil {
			res.Value[i] = st.View(head, s.finalizeDepth)
		}
	}
	return res, nil
}

func (s *Server) rpcRequestAirdrop(params []json.RawMessage) (interface{}, *rpcError) {
	pk, perr := pubkeyParam(params, 0)
	if perr != nil {
		return nil, perr
	}
	var lamports uint64
	if len(params) < 2 {
		return nil, invalidParams("missing lamports")
	}
	if err := json.Unmarshal(params[1], &lamports); err != nil {
		return nil, invalidParams(err.Error())
	}
	if lamports == 0 || lamports > MaxAirdropLamports {
		return nil, invalidParams("airdrop amount out of range")
	}
	sig, err := s.bank.Airdrop(pk, lamports)
	if err != nil {
		return nil, &rpcError{ledger.CodeInternal, err.Error()}
	}
	return sig, nil
}

func (s *Server) rpcSendTransaction(params []json.RawMessage) (interface{}, *rpcError) {
	if len(params) == 0 {
		return nil, invalidParams("missing transaction")
	}
	var wire string
	if err := json.Unmarshal(params[0], &wire); err != nil {
		return nil, invalidParams(err.Error())
	}
	cfg := ledger.SendTransactionConfig{Encoding: "base58"}
	if perr := optionalParam(params, 1, &cfg); perr != nil {
		return nil, perr
	}

	var raw []byte
	var err error
	switch cfg.Encoding {
	case "base64":
		raw, err = base64.StdEncoding.DecodeString(wire)
	case "base58", "":
		raw, err = base58.Decode(wire)
	default:
		return nil, invalidParams("unsupported encoding " + cfg.Encoding)
	}
	if err != nil {
		return nil, invalidParams("failed to decode transaction: " + err.Error())
	}
	if len(raw) > protocol.PacketDataSize {
		s.metrics.transactions.WithLabelValues("rejected").Inc()
		return nil, invalidParams("transaction too large")
	}
	tx, err := protocol.DecodeTransaction(raw)
	if err != nil {
		s.metrics.transactions.WithLabelValues("rejected").Inc()
		return nil, invalidParams("failed to deserialize transaction: " + err.Error())
	}

	sig, err := s.bank.Process(tx, !cfg.SkipPreflight)
	switch {
	case err == nil:
	case errors.Is(err, ErrBlockhashNotFound) && cfg.SkipPreflight:
		// Without preflight the node accepts the transaction and it is
		// silently dropped; clients find out when the blockhash expires.
		s.metrics.transactions.WithLabelValues("dropped").Inc()
		s.log.Debug("Dropping transaction with stale blockhash", zap.Stringer("signature", sig))
		return sig, nil
	default:
		s.metrics.transactions.WithLabelValues("rejected").Inc()
		return nil, &rpcError{ledger.CodeSendTransactionFailure, err.Error()}
	}

	if st := s.statuses.Get(sig); st != nil && st.Err != nil {
		s.metrics.transactions.WithLabelValues("failed").Inc()
	} else {
		s.metrics.transactions.WithLabelValues("ok").Inc()
	}
	return sig, nil
}
