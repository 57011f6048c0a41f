package selfmetrics

import "context"

// WithLoadAvg overrides the 1 minute load average probe.
func WithLoadAvg(f func(ctx context.Context) (float64, error)) Options {
	return func(o *options) { o.loadAvg = f }
}

// WithCPUCount overrides the logical core count probe.
func WithCPUCount(f func(ctx context.Context) (int, error)) Options {
	return func(o *options) { o.cpuCount = f }
}

// WithMemory overrides the memory probe.
func WithMemory(f func(ctx context.Context) (total, free uint64, err error)) Options {
	return func(o *options) { o.memory = f }
}

// WithOSInfo overrides the operating system probe.
func WithOSInfo(f func(ctx context.Context) (OSInfo, error)) Options {
	return func(o *options) { o.osInfo = f }
}
