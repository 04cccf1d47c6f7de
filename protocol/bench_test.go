package protocol

import (
	"bytes"
	"testing"

	"github.com/juju/errors"
)

func BenchmarkEncodeRequest(b *testing.B) {
	payload := []byte(`{"v":1,"data":{"node":"n1"}}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := EncodeRequest("powerStatus", uint32(i), payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDecoder(b *testing.B) {
	raw, err := EncodeRequest("powerStatus", 1, []byte(`{"v":1,"data":{"node":"n1"}}`))
	if err != nil {
		b.Fatal(err)
	}
	stream := bytes.Repeat(raw, 64)
	var d Decoder
	b.ReportAllocs()
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Feed(stream)
		for {
			_, err := d.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}
