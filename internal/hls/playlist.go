package hls

import (
	"fmt"
	"math"
	"strings"

	"github.com/grafov/m3u8"
)

// Segment is one media segment entry of a playlist.
type Segment struct {
	Sequence int64
	Duration float64
	Path     string
}

// Playlist is the parsed form of an HLS media playlist as written by the transcoder.
type Playlist struct {
	Version        int
	TargetDuration int
	MediaSequence  int64
	Segments       []Segment
	Ended          bool
}

// BuildPlaylist converts a slice of segments (ordered by sequence ascending)
// into an HLS media playlist string. If ended is true, #EXT-X-ENDLIST is appended.
// An empty segments slice produces a minimal valid playlist with media sequence 0.
func BuildPlaylist(segments []Segment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// ParsePlaylist decodes a media playlist. Segment sequence numbers are assigned
// from #EXT-X-MEDIA-SEQUENCE in order of appearance. Master playlists are rejected.
func ParsePlaylist(content string) (*Playlist, error) {
	if !strings.HasPrefix(strings.TrimLeft(content, " \t\r\n"), "#EXTM3U") {
		return nil, ErrInvalidPlaylist
	}
	decoded, kind, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlaylist, err)
	}
	if kind != m3u8.MEDIA {
		return nil, fmt.Errorf("%w: not a media playlist", ErrInvalidPlaylist)
	}
	media := decoded.(*m3u8.MediaPlaylist)

	p := &Playlist{
		Version:        3,
		TargetDuration: int(math.Ceil(media.TargetDuration)),
		MediaSequence:  int64(media.SeqNo),
		Ended:          media.Closed,
	}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		p.Segments = append(p.Segments, Segment{
			Sequence: p.MediaSequence + int64(len(p.Segments)),
			Duration: seg.Duration,
			Path:     seg.URI,
		})
	}
	return p, nil
}

// String renders the playlist in the same layout BuildPlaylist uses.
func (p *Playlist) String() string {
	segs := p.Segments
	if len(segs) > 0 && segs[0].Sequence != p.MediaSequence {
		segs = append([]Segment(nil), segs...)
		for i := range segs {
			segs[i].Sequence = p.MediaSequence + int64(i)
		}
	}
	return BuildPlaylist(segs, p.Ended)
}

// targetDuration returns the HLS #EXT-X-TARGETDURATION value:
// the ceiling of the maximum segment duration in seconds (integer).
func targetDuration(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
