package verify

import (
	"crypto/md5"
	"encoding/hex"
	"image"
	"sort"
	"strings"

	"golang.org/x/image/draw"
)

// Thumbnail edge length for surface digests. Downscaling before hashing
// makes the digest cheap and tolerant of sub-pixel render noise.
const thumbnailSize = 32

// SurfaceDigest renders one web-content surface down to a fixed-size
// thumbnail and returns the MD5 hex digest of its raw pixel bytes.
func SurfaceDigest(surface image.Image) string {
	thumb := image.NewRGBA(image.Rect(0, 0, thumbnailSize, thumbnailSize))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), surface, surface.Bounds(), draw.Src, nil)
	sum := md5.Sum(thumb.Pix)
	return hex.EncodeToString(sum[:])
}

// AggregateWebHash combines per-surface digests into one hash that does
// not depend on traversal order: digests are sorted lexicographically,
// joined, and digested again. No surfaces yields ok=false — "no
// aggregate" is distinct from "unchanged".
func AggregateWebHash(surfaces []image.Image) (string, bool) {
	if len(surfaces) == 0 {
		return "", false
	}
	digests := make([]string, len(surfaces))
	for i, s := range surfaces {
		digests[i] = SurfaceDigest(s)
	}
	sort.Strings(digests)
	sum := md5.Sum([]byte(strings.Join(digests, ",")))
	return hex.EncodeToString(sum[:]), true
}
