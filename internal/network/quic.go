package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"ledgermesh/internal/debuglog"
	"ledgermesh/internal/proto"
)

const alpn = "ledgermesh-quic"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate so a local mesh
// can be stood up without provisioning real certificates. Development only.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("ledgermesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
		}, nil
	}
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpn},
	}, nil
}

// ListenAndServe accepts connections until ctx is cancelled and hands every
// received payload to handle. One length-prefixed message per stream; the
// prefix caps the read before any payload is buffered.
func ListenAndServe(ctx context.Context, addr string, ready chan<- string, handle func([]byte)) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer listener.Close()
	debuglog.Debugf("quic listen ready: %s", listener.Addr())
	if ready != nil {
		select {
		case ready <- listener.Addr().String():
		default:
		}
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go serveConn(ctx, conn, handle)
	}
}

func serveConn(ctx context.Context, conn *quic.Conn, handle func([]byte)) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				debuglog.Debugf("quic accept stream: %v", err)
			}
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			data, err := proto.ReadFrame(s)
			if err != nil {
				debuglog.Debugf("quic read: %v", err)
				return
			}
			handle(data)
		}(stream)
	}
}

// Send delivers one payload to addr, fire-and-forget: open a stream, write
// the framed payload, close. No response is read.
func Send(ctx context.Context, addr string, data []byte, insecure bool) error {
	frame, err := proto.EncodeFrame(data)
	if err != nil {
		return err
	}
	tlsConf, err := clientTLSConfig(insecure)
	if err != nil {
		return err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer conn.CloseWithError(0, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}
	if _, err := stream.Write(frame); err != nil {
		_ = stream.Close()
		return err
	}
	return stream.Close()
}
