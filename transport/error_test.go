package transport

import "testing"

func TestErrorFormat(t *testing.T) {
	data := []struct {
		code uint64
		msg  string
		err  string
	}{
		{1, "no idea", "error_code=internal_error reason=no idea"},
		{12, "", "error_code=application_error"},
		{0x100, "general", "error_code=crypto_error_0 reason=general"},
		{0x1ff, "", "error_code=crypto_error_255"},
		{0xffff, "unknown", "error_code=unknown_error_65535 reason=unknown"},
	}
	for _, d := range data {
		err := Error{d.code, d.msg}
		if err.Error() != d.err {
			t.Errorf("unexpect error string: %+v %q", err, err.Error())
		}
	}
}
