package network

import (
	"bytes"
	"testing"
)

func TestDevTLSCertIsDeterministic(t *testing.T) {
	_, derA, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	_, derB, err := devTLSCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	if !bytes.Equal(derA, derB) {
		t.Fatalf("dev cert must be deterministic")
	}
}

func TestTLSConfigsCarryALPN(t *testing.T) {
	srv, err := serverTLSConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if len(srv.NextProtos) != 1 || srv.NextProtos[0] != alpn {
		t.Fatalf("server ALPN = %v", srv.NextProtos)
	}
	cli, err := clientTLSConfig(false)
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cli.RootCAs == nil {
		t.Fatalf("pinned client config must carry the dev root")
	}
	insec, err := clientTLSConfig(true)
	if err != nil {
		t.Fatalf("insecure config: %v", err)
	}
	if !insec.InsecureSkipVerify {
		t.Fatalf("insecure config must skip verification")
	}
}
