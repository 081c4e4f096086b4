package proto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	ProtoVersion = "ledgermesh/1"

	MaxFrameSize = 64 << 10
)

// MessageCode classifies an envelope's payload. CodeTransaction marks
// ledger-mutating traffic; everything else never touches the ledger.
type MessageCode uint8

const (
	CodeUnknown MessageCode = iota
	CodeTransaction
	CodeHello
)

// Envelope is the unit of replication. Time and Node are the stamp of the
// record the origin persisted, so a peer applying the payload reproduces an
// identical record instead of deriving its own. FromPub and Sig make the
// envelope self-authenticating: the sender's pubkey travels with the message
// and must hash to the claimed origin node id.
type Envelope struct {
	ID      string
	Command CommandKind
	Code    MessageCode
	Time    int64
	Node    string
	Info    MessageInfo
	FromPub []byte
	Sig     []byte
}

// NewTransactionEnvelope wraps a replicable payload with its origin stamp.
func NewTransactionEnvelope(info MessageInfo, time int64, node string) Envelope {
	return Envelope{
		ID:      uuid.NewString(),
		Command: info.Command(),
		Code:    CodeTransaction,
		Time:    time,
		Node:    node,
		Info:    info,
	}
}

type wireEnvelope struct {
	Proto       string `msgpack:"proto"`
	ID          string `msgpack:"id"`
	Command     string `msgpack:"command"`
	Code        uint8  `msgpack:"code"`
	Time        int64  `msgpack:"time"`
	Node        string `msgpack:"node"`
	Name        string `msgpack:"name,omitempty"`
	Sender      string `msgpack:"sender,omitempty"`
	Beneficiary string `msgpack:"beneficiary,omitempty"`
	Amount      string `msgpack:"amount,omitempty"`
	RefTime     int64  `msgpack:"ref_time,omitempty"`
	RefNode     string `msgpack:"ref_node,omitempty"`
	FromPub     []byte `msgpack:"from_pub,omitempty"`
	Sig         []byte `msgpack:"sig,omitempty"`
}

type wirePeek struct {
	Proto string `msgpack:"proto"`
	Code  uint8  `msgpack:"code"`
}

// PeekCode reads only the protocol version and message code so the receive
// pipeline can route a payload before decoding it fully.
func PeekCode(data []byte) (MessageCode, error) {
	var p wirePeek
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return CodeUnknown, err
	}
	if p.Proto != ProtoVersion {
		return CodeUnknown, fmt.Errorf("unsupported proto version: %q", p.Proto)
	}
	return MessageCode(p.Code), nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Info == nil {
		return nil, fmt.Errorf("missing payload")
	}
	if e.Code != CodeTransaction {
		return nil, fmt.Errorf("envelope code %d does not carry a transaction payload", e.Code)
	}
	if e.Command != e.Info.Command() {
		return nil, fmt.Errorf("command %q does not match payload %q", e.Command, e.Info.Command())
	}
	w := wireEnvelope{
		Proto:   ProtoVersion,
		ID:      e.ID,
		Command: string(e.Command),
		Code:    uint8(e.Code),
		Time:    e.Time,
		Node:    e.Node,
		FromPub: e.FromPub,
		Sig:     e.Sig,
	}
	switch info := e.Info.(type) {
	case CreateUserInfo:
		w.Name = info.Name
	case DepositInfo:
		w.Name = info.Name
		w.Amount = info.Amount.String()
	case WithdrawInfo:
		w.Name = info.Name
		w.Amount = info.Amount.String()
	case TransferInfo:
		w.Sender = info.Sender
		w.Beneficiary = info.Beneficiary
		w.Amount = info.Amount.String()
	case PayInfo:
		w.Name = info.Name
		w.Amount = info.Amount.String()
	case RefundInfo:
		w.RefTime = info.RefTime
		w.RefNode = info.RefNode
	default:
		return nil, fmt.Errorf("unsupported payload variant %T", e.Info)
	}
	data, err := msgpack.Marshal(w)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("envelope too large: %d bytes", len(data))
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 || len(data) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("invalid envelope size: %d", len(data))
	}
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	if w.Proto != ProtoVersion {
		return Envelope{}, fmt.Errorf("unsupported proto version: %q", w.Proto)
	}
	if MessageCode(w.Code) != CodeTransaction {
		return Envelope{}, fmt.Errorf("unexpected message code: %d", w.Code)
	}
	if w.Node == "" {
		return Envelope{}, fmt.Errorf("missing origin node")
	}
	if w.Time <= 0 {
		return Envelope{}, fmt.Errorf("invalid origin stamp: %d", w.Time)
	}
	e := Envelope{
		ID:      w.ID,
		Command: CommandKind(w.Command),
		Code:    MessageCode(w.Code),
		Time:    w.Time,
		Node:    w.Node,
		FromPub: w.FromPub,
		Sig:     w.Sig,
	}
	switch e.Command {
	case CmdCreateUser:
		e.Info = CreateUserInfo{Name: w.Name}
	case CmdDeposit:
		amount, err := parseAmount(w.Amount)
		if err != nil {
			return Envelope{}, err
		}
		e.Info = DepositInfo{Name: w.Name, Amount: amount}
	case CmdWithdraw:
		amount, err := parseAmount(w.Amount)
		if err != nil {
			return Envelope{}, err
		}
		e.Info = WithdrawInfo{Name: w.Name, Amount: amount}
	case CmdTransfer:
		amount, err := parseAmount(w.Amount)
		if err != nil {
			return Envelope{}, err
		}
		e.Info = TransferInfo{Sender: w.Sender, Beneficiary: w.Beneficiary, Amount: amount}
	case CmdPay:
		amount, err := parseAmount(w.Amount)
		if err != nil {
			return Envelope{}, err
		}
		e.Info = PayInfo{Name: w.Name, Amount: amount}
	case CmdRefund:
		e.Info = RefundInfo{RefTime: w.RefTime, RefNode: w.RefNode}
	default:
		return Envelope{}, fmt.Errorf("unknown replicable command: %q", w.Command)
	}
	return e, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("missing amount")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad amount %q: %w", raw, err)
	}
	return amount, nil
}

// SigningBytes is the deterministic byte view an envelope signature covers.
// The signature fields themselves are excluded.
func SigningBytes(e Envelope) ([]byte, error) {
	stripped := e
	stripped.FromPub = nil
	stripped.Sig = nil
	return EncodeEnvelope(stripped)
}

// SignEnvelope attaches the origin node's pubkey and signature.
func SignEnvelope(e *Envelope, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	msg, err := SigningBytes(*e)
	if err != nil {
		return err
	}
	e.FromPub = append([]byte(nil), pub...)
	e.Sig = ed25519.Sign(priv, msg)
	return nil
}

// VerifyEnvelope checks the signature against the pubkey the envelope
// carries. Binding that pubkey to the claimed node id is the receiver's job.
func VerifyEnvelope(e Envelope) error {
	if len(e.FromPub) != ed25519.PublicKeySize || len(e.Sig) == 0 {
		return fmt.Errorf("unsigned envelope")
	}
	msg, err := SigningBytes(e)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(e.FromPub), msg, e.Sig) {
		return fmt.Errorf("bad envelope signature")
	}
	return nil
}

// EncodeFrame and ReadFrame delimit payloads on a byte stream with a 4-byte
// big-endian length prefix, capped at MaxFrameSize.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
