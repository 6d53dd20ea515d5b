// server.go is a minimal JSON-RPC 2.0 endpoint over the Backend hooks,
// with the CORS and (optionally) JWT boundaries composed in front. The
// full client API surface lives elsewhere; the sync engine only promises
// these read-only views.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keystone-eth/keystone/core/types"
	"github.com/keystone-eth/keystone/log"
)

// JSON-RPC 2.0 error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// rpcRequest is the JSON-RPC request envelope.
type rpcRequest struct {
	Version string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is the JSON-RPC response envelope.
type rpcResponse struct {
	Version string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// headerResult is the wire form of a header.
type headerResult struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
	StateRoot  string `json:"stateRoot"`
	Number     uint64 `json:"number"`
	Timestamp  uint64 `json:"timestamp"`
}

func encodeHeader(h *types.Header) headerResult {
	return headerResult{
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		StateRoot:  h.Root.Hex(),
		Number:     h.NumberU64(),
		Timestamp:  h.Time,
	}
}

// Server dispatches the read-only hook methods.
type Server struct {
	backend Backend
	lg      *log.Logger
}

// NewServer creates a JSON-RPC server over a backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend, lg: log.Default().Module("rpc")}
}

// Handler composes the dispatch endpoint with CORS and, when a secret is
// given, JWT authentication.
func (s *Server) Handler(cors CORSConfig, jwtSecret []byte) http.Handler {
	var h http.Handler = s
	if len(jwtSecret) > 0 {
		h = JWTMiddleware(jwtSecret, h)
	}
	return CORSMiddleware(cors, h)
}

// ServeHTTP implements http.Handler for single JSON-RPC requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, rpcResponse{Version: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	resp := s.dispatch(&req)
	writeResponse(w, resp)
}

// dispatch routes one request to its hook.
func (s *Server) dispatch(req *rpcRequest) rpcResponse {
	resp := rpcResponse{Version: "2.0", ID: req.ID}
	switch req.Method {
	case "eth_blockNumber":
		header, err := s.backend.LatestHeader()
		if err != nil {
			resp.Error = &rpcError{Code: codeInternal, Message: "no head header"}
			return resp
		}
		resp.Result = fmt.Sprintf("0x%x", header.NumberU64())

	case "eth_getHeaderByNumber":
		var number uint64
		if err := unmarshalParam(req.Params, 0, &number); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
			return resp
		}
		header, err := s.backend.HeaderByNumber(number)
		if err != nil {
			resp.Result = nil
			return resp
		}
		resp.Result = encodeHeader(header)

	case "eth_getBlockByHash":
		var hashHex string
		if err := unmarshalParam(req.Params, 0, &hashHex); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
			return resp
		}
		block, err := s.backend.BlockByHash(types.HexToHash(hashHex))
		if err != nil {
			resp.Result = nil
			return resp
		}
		header := block.Header()
		resp.Result = map[string]interface{}{
			"header":       encodeHeader(header),
			"transactions": len(block.Transactions()),
		}

	case "keystone_stateReady":
		var number uint64
		if err := unmarshalParam(req.Params, 0, &number); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: err.Error()}
			return resp
		}
		header, err := s.backend.HeaderByNumber(number)
		if err != nil {
			resp.Result = false
			return resp
		}
		resp.Result = s.backend.StateReady(header)

	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found"}
	}
	return resp
}

// unmarshalParam decodes the i-th positional parameter into out.
func unmarshalParam(params []json.RawMessage, i int, out interface{}) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %d", i)
	}
	return json.Unmarshal(params[i], out)
}

// writeResponse serializes a JSON-RPC response.
func writeResponse(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
