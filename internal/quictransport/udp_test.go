package quictransport

import "testing"

func TestClampUDPBuffer(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-1, minUDPBuffer},
		{minUDPBuffer, minUDPBuffer},
		{4 * 1024 * 1024, 4 * 1024 * 1024},
		{maxUDPBuffer + 1, maxUDPBuffer},
	}
	for _, tt := range tests {
		if got := clamp(tt.in, minUDPBuffer, maxUDPBuffer); got != tt.want {
			t.Errorf("clamp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSetUDPBuffersWithoutConn(t *testing.T) {
	if err := SetUDPBuffers(nil, 0); err == nil {
		t.Fatal("SetUDPBuffers(nil) succeeded")
	}
}

func TestListenUDP(t *testing.T) {
	conn, err := ListenUDP("127.0.0.1:0", 1024*1024)
	if conn == nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer conn.Close()
	if err != nil {
		t.Logf("buffer resize refused: %v", err)
	}
	if conn.LocalAddr().String() == "127.0.0.1:0" {
		t.Fatal("no port assigned")
	}
}
