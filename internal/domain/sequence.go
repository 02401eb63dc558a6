package domain

// Sequence is a named run of nucleotide symbols. The bases are copied on
// construction and must not be modified afterwards.
type Sequence struct {
	name  string
	bases []byte
}

func NewSequence(name string, bases []byte) Sequence {
	cp := make([]byte, len(bases))
	copy(cp, bases)
	return Sequence{
		name:  name,
		bases: cp,
	}
}

func (s Sequence) Name() string {
	return s.name
}

// Bases returns the underlying symbols. Callers must treat the slice as read-only.
func (s Sequence) Bases() []byte {
	return s.bases
}

func (s Sequence) Len() int {
	return len(s.bases)
}

func (s Sequence) String() string {
	return string(s.bases)
}

var complement [256]byte

func init() {
	for i := range complement {
		complement[i] = byte(i)
	}
	pairs := []string{"AT", "CG", "RY", "KM", "BV", "DH"}
	for _, p := range pairs {
		for _, c := range []string{p, toLower(p)} {
			complement[c[0]] = c[1]
			complement[c[1]] = c[0]
		}
	}
	complement['U'] = 'A'
	complement['u'] = 'a'
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ReverseComplement returns the reverse complement of bases. IUPAC ambiguity
// codes are complemented and case is preserved; N, S and W map to themselves.
func ReverseComplement(bases []byte) []byte {
	out := make([]byte, len(bases))
	for i, b := range bases {
		out[len(bases)-1-i] = complement[b]
	}
	return out
}
