// SPDX-License-Identifier: GPL-3.0-or-later

package taps

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The stdlib engine builds *tls.Conn clients.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	assert.Equal(t, "stdlib", engine.Name())
	assert.Equal(t, "", engine.Parrot())

	tlsConn := engine.Client(newMinimalConn(), &tls.Config{})
	require.NotNil(t, tlsConn)
	_, ok := tlsConn.(*tls.Conn)
	assert.True(t, ok)
}

// A successful handshake returns the TLS connection.
func TestTLSHandshakeFuncSuccess(t *testing.T) {
	wantState := tls.ConnectionState{NegotiatedProtocol: "h2"}
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return wantState
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}

	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{}, DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.NoError(t, err)
	assert.Equal(t, "h2", result.ConnectionState().NegotiatedProtocol)
}

// A failed handshake closes the connection and returns the error.
func TestTLSHandshakeFuncFailure(t *testing.T) {
	wantErr := errors.New("handshake refused")
	closeCalled := false
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	mockTLSConn.FuncConn.CloseFunc = func() error {
		closeCalled = true
		return nil
	}

	fn := NewTLSHandshakeFunc(NewConfig(), &tls.Config{}, DefaultSLogger())
	fn.Engine = newMockTLSEngine(mockTLSConn)

	result, err := fn.Call(context.Background(), newMinimalConn())

	require.ErrorIs(t, err, wantErr)
	assert.Nil(t, result)
	assert.True(t, closeCalled)
}

// The handshake clones the config and pins its clock, leaving the
// caller's config untouched.
func TestTLSHandshakeFuncConfigClone(t *testing.T) {
	var gotConfig *tls.Config
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}

	original := &tls.Config{ServerName: "example.com"}
	fn := NewTLSHandshakeFunc(NewConfig(), original, DefaultSLogger())
	fn.Engine = &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(c net.Conn, config *tls.Config) TLSConn {
			gotConfig = config
			return mockTLSConn
		},
		NameFunc:   func() string { return "mock" },
		ParrotFunc: func() string { return "" },
	}

	_, err := fn.Call(context.Background(), newMinimalConn())

	require.NoError(t, err)
	require.NotNil(t, gotConfig)
	assert.NotSame(t, original, gotConfig)
	assert.Equal(t, "example.com", gotConfig.ServerName)
	assert.NotNil(t, gotConfig.Time)
	assert.Nil(t, original.Time)
}
