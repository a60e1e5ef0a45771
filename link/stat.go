package link

// Values are updated atomically but not consistently with each other.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Conn         expvar.Int
	ConnErrors   expvar.Int
	Recv         expvar.Int
	Send         expvar.Int
	DecodeErrors expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"conn":%d,"conn_errors":%d,"recv":%d,"send":%d,"decode_errors":%d}`,
		s.Conn.Value(), s.ConnErrors.Value(), s.Recv.Value(), s.Send.Value(), s.DecodeErrors.Value())
}
