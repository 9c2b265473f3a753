package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()              {}
func (n *NoopCollector) ConnectionClosed()               {}
func (n *NoopCollector) TLSHandshake(success bool)       {}
func (n *NoopCollector) CommandProcessed(command string) {}
func (n *NoopCollector) MessageAccepted(sizeBytes int64) {}
func (n *NoopCollector) MessageRejected(reason string)   {}
func (n *NoopCollector) AuthAttempt(success bool)        {}
func (n *NoopCollector) AuthCacheResult(hit bool)        {}
func (n *NoopCollector) AuthCallDuration(seconds float64)   {}
func (n *NoopCollector) SubmitCallDuration(seconds float64) {}
func (n *NoopCollector) SubmitOutcome(recipientResult string) {}
func (n *NoopCollector) RateLimitRejected()       {}
func (n *NoopCollector) DomainPolicyRejected()    {}
