// Package proto implements the framed wire protocol spoken with the
// controlling host: 2-byte big-endian length frames carrying external
// term format payloads of the form {TransId, Body}.
package proto
