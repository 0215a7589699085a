package meter

import "github.com/ineyio/tokenquota"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ tokenquota.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmit(tokenquota.AdmitEvent)   {}
func (m *NoopMeter) OnResult(tokenquota.ResultEvent) {}
