package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (unlimited when zero or negative) and returns the sha256 of the bytes
// copied, hex encoded. dstPath is synced before returning.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	sum := sha256.New()
	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return "", fmt.Errorf("rate limiter error: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return "", err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return "", fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync error: %w", err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
