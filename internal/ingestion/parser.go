package ingestion

import (
	"encoding/json"
	"fmt"
	"laminar/internal/event"
	"laminar/internal/service"
	"laminar/internal/state"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectPrefix is the root of inbound request subjects:
// laminar.ops.<kind>.<user_id>
const SubjectPrefix = "laminar.ops."

// RequestKind classifies an inbound request
type RequestKind uint8

const (
	RequestOperation RequestKind = iota + 1
	RequestDeposit
	RequestWithdrawal
)

// Request is a parsed inbound message ready for the service.
type Request struct {
	Kind      RequestKind
	Op        event.OperationKind // RequestOperation only
	Operation service.OperationRequest
	Transfer  service.TransferRequest
}

// Label names the request for logs and metrics.
func (r Request) Label() string {
	switch r.Kind {
	case RequestOperation:
		return r.Op.String()
	case RequestDeposit:
		return "deposit"
	case RequestWithdrawal:
		return "withdraw"
	default:
		return "unknown"
	}
}

// OperationSubject builds the subject a request for kind and user is sent on.
func OperationSubject(kind string, user uuid.UUID) string {
	return SubjectPrefix + kind + "." + user.String()
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type operationJSON struct {
	OperationID string `json:"operation_id"`
	UserID      string `json:"user_id,omitempty"`
	Collateral  string `json:"collateral,omitempty"`
	Amount      uint64 `json:"amount"`
	MinOut      uint64 `json:"min_out"`
	TimestampUs int64  `json:"timestamp_us"`
}

type transferJSON struct {
	TransferID  string `json:"transfer_id"`
	UserID      string `json:"user_id,omitempty"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseRequest decodes a message by its subject. Every error wraps
// state.ErrInvalidParameter; such messages can never succeed on redelivery.
func ParseRequest(subject string, data []byte) (Request, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return Request{}, fmt.Errorf("%w: subject %q outside %s>", state.ErrInvalidParameter, subject, SubjectPrefix)
	}
	kind, userPart, ok := strings.Cut(rest, ".")
	if !ok {
		return Request{}, fmt.Errorf("%w: subject %q has no user token", state.ErrInvalidParameter, subject)
	}
	user, err := uuid.Parse(userPart)
	if err != nil {
		return Request{}, fmt.Errorf("%w: subject user: %v", state.ErrInvalidParameter, err)
	}

	switch kind {
	case "deposit", "withdraw":
		tr, err := parseTransfer(data, user)
		if err != nil {
			return Request{}, err
		}
		req := Request{Kind: RequestDeposit, Transfer: tr}
		if kind == "withdraw" {
			req.Kind = RequestWithdrawal
		}
		return req, nil
	}

	op, ok := event.ParseOperationKind(kind)
	if !ok {
		return Request{}, fmt.Errorf("%w: unknown request kind %q", state.ErrInvalidParameter, kind)
	}
	or, err := parseOperation(data, user)
	if err != nil {
		return Request{}, err
	}
	return Request{Kind: RequestOperation, Op: op, Operation: or}, nil
}

func parseOperation(data []byte, user uuid.UUID) (service.OperationRequest, error) {
	var j operationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return service.OperationRequest{}, fmt.Errorf("%w: parse operation: %v", state.ErrInvalidParameter, err)
	}
	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return service.OperationRequest{}, fmt.Errorf("%w: parse operation_id: %v", state.ErrInvalidParameter, err)
	}
	if err := checkUser(j.UserID, user); err != nil {
		return service.OperationRequest{}, err
	}
	return service.OperationRequest{
		OperationID: opID,
		User:        user,
		Collateral:  j.Collateral,
		Amount:      j.Amount,
		MinOut:      j.MinOut,
		Timestamp:   micros(j.TimestampUs),
	}, nil
}

func parseTransfer(data []byte, user uuid.UUID) (service.TransferRequest, error) {
	var j transferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return service.TransferRequest{}, fmt.Errorf("%w: parse transfer: %v", state.ErrInvalidParameter, err)
	}
	id, err := uuid.Parse(j.TransferID)
	if err != nil {
		return service.TransferRequest{}, fmt.Errorf("%w: parse transfer_id: %v", state.ErrInvalidParameter, err)
	}
	if err := checkUser(j.UserID, user); err != nil {
		return service.TransferRequest{}, err
	}
	if j.Amount == 0 {
		return service.TransferRequest{}, fmt.Errorf("%w: transfer amount must be positive", state.ErrInvalidParameter)
	}
	return service.TransferRequest{
		TransferID: id,
		User:       user,
		Asset:      j.Asset,
		Amount:     j.Amount,
		Timestamp:  micros(j.TimestampUs),
	}, nil
}

// checkUser rejects a body naming a different user than its subject.
func checkUser(body string, subject uuid.UUID) error {
	if body == "" {
		return nil
	}
	u, err := uuid.Parse(body)
	if err != nil {
		return fmt.Errorf("%w: parse user_id: %v", state.ErrInvalidParameter, err)
	}
	if u != subject {
		return fmt.Errorf("%w: body user %s does not match subject user %s", state.ErrInvalidParameter, u, subject)
	}
	return nil
}

func micros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
