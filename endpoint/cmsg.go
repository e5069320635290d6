package endpoint

// CmsgSpace exports the platform's CMSG_SPACE-equivalent arithmetic for
// callers outside this package — the coordinator's budget-pass job-fit
// check needs the exact same buffer-accounting formula
// JournaledEndpoint.Send uses internally, so both apply the same formula to
// a payload's length. The payload lengths themselves differ when the
// coordinator's Compress option differs from the endpoint's own (always-on)
// compression.
func CmsgSpace(n int) int {
	return cmsgSpace(n)
}
