package connstream

import (
	"errors"
	"fmt"
)

var (
	errNilResponse   = errors.New("connstream: data message without response")
	errHandlerCancel = errors.New("connstream: handler cancelled the request")
	errStreamIdle    = errors.New("connstream: stream-idle timeout")
	errZhttpSession  = errors.New("connstream: zhttp-session timeout")
)

func errCondition(cond string) error {
	if cond == "" {
		cond = "unknown"
	}
	return fmt.Errorf("connstream: backend error condition %q", cond)
}
