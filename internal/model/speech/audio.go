package speech

// Audio is an encoded audio clip passed between the turn loop and the speech collaborators.
type Audio struct {
	Data   []byte `json:"-"`
	Format string `json:"format"` // wav, mp3, pcm, webm
}

// Empty reports whether the clip carries no samples.
func (a Audio) Empty() bool {
	return len(a.Data) == 0
}
