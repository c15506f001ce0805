package hpfeeds

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUtils_stringInSlice(t *testing.T) {
	cases := []struct {
		s    string
		list []string
		want bool
	}{
		{"asdf", []string{}, false},
		{"", nil, false},
		{"asdf", []string{"asdf"}, true},
		{"not_found", []string{"asdf"}, false},
		{"2", []string{"1", "2", "3", "4"}, true},
		{"5", []string{"1", "2", "3", "4"}, false},
		{"alerts..broker", []string{"alerts"}, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, stringInSlice(tc.s, tc.list), "%q in %v", tc.s, tc.list)
	}
}

func TestUtils_tcpKeepAliveListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	kl := tcpKeepAliveListener{ln.(*net.TCPListener)}
	defer kl.Close()

	client, err := net.Dial("tcp", kl.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	conn, err := kl.Accept()
	require.NoError(t, err)
	defer conn.Close()
	require.IsType(t, &net.TCPConn{}, conn)
}
