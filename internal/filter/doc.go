// Package filter implements the noise-reduction stage that sits between
// ingest and analysis.
//
// IMU axes are smoothed with a scalar recursive Kalman filter; ToF zones are
// smoothed with a centred median filter. Both are pure functions of their
// input window: every call starts from the same initial state, so identical
// windows always yield identical output.
//
// Malformed numeric input never causes an error. Non-finite samples are
// replaced by the running estimate and out-of-range samples are clamped to
// the channel limits; either case lowers the Quality reported for the window.
package filter
