package proto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// HelloMsg introduces a node to a peer: identity, pubkey and the address the
// peer can reach it on. It never touches the ledger.
type HelloMsg struct {
	Proto string `msgpack:"proto"`
	ID    string `msgpack:"id"`
	Code  uint8  `msgpack:"code"`
	Node  string `msgpack:"node"`
	Addr  string `msgpack:"addr"`
	Pub   []byte `msgpack:"pub"`
	Sig   []byte `msgpack:"sig,omitempty"`
}

func NewHello(node, addr string, pub []byte) HelloMsg {
	return HelloMsg{
		Proto: ProtoVersion,
		ID:    uuid.NewString(),
		Code:  uint8(CodeHello),
		Node:  node,
		Addr:  addr,
		Pub:   append([]byte(nil), pub...),
	}
}

func helloSigningBytes(m HelloMsg) ([]byte, error) {
	m.Sig = nil
	return msgpack.Marshal(m)
}

func SignHello(m *HelloMsg, priv ed25519.PrivateKey) error {
	msg, err := helloSigningBytes(*m)
	if err != nil {
		return err
	}
	m.Sig = ed25519.Sign(priv, msg)
	return nil
}

func EncodeHello(m HelloMsg) ([]byte, error) {
	if m.Node == "" || len(m.Pub) == 0 {
		return nil, fmt.Errorf("incomplete hello")
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("hello too large: %d bytes", len(data))
	}
	return data, nil
}

func DecodeHello(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Proto != ProtoVersion {
		return HelloMsg{}, fmt.Errorf("unsupported proto version: %q", m.Proto)
	}
	if MessageCode(m.Code) != CodeHello {
		return HelloMsg{}, fmt.Errorf("unexpected message code: %d", m.Code)
	}
	if m.Node == "" || len(m.Pub) == 0 {
		return HelloMsg{}, fmt.Errorf("incomplete hello")
	}
	return m, nil
}

func VerifyHello(m HelloMsg) error {
	if len(m.Pub) != ed25519.PublicKeySize || len(m.Sig) == 0 {
		return fmt.Errorf("unsigned hello")
	}
	msg, err := helloSigningBytes(m)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(m.Pub), msg, m.Sig) {
		return fmt.Errorf("bad hello signature")
	}
	return nil
}
