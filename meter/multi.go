package meter

import "github.com/ineyio/tokenquota"

// Multi forwards every event to each of its meters in order.
type Multi []tokenquota.Meter

var _ tokenquota.Meter = Multi(nil)

// NewMulti returns a meter fanning out to meters. Nil entries are skipped.
func NewMulti(meters ...tokenquota.Meter) Multi {
	out := make(Multi, 0, len(meters))
	for _, m := range meters {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (mm Multi) OnAdmit(e tokenquota.AdmitEvent) {
	for _, m := range mm {
		m.OnAdmit(e)
	}
}

func (mm Multi) OnResult(e tokenquota.ResultEvent) {
	for _, m := range mm {
		m.OnResult(e)
	}
}
