package buffercache

// ring is the arena of intrusive list links for every bucket. Nodes
// [0, nbuf) are buffers and node nbuf+k is the sentinel head of bucket k, so
// each bucket list is circular and never empty of its sentinel. Callers
// serialize access per bucket.
type ring struct {
	nbuf  int
	links []link
}

type link struct {
	prev, next int32
}

func newRing(nbuf, nbucket int) *ring {
	r := &ring{nbuf: nbuf, links: make([]link, nbuf+nbucket)}
	for k := 0; k < nbucket; k++ {
		h := r.head(k)
		r.links[h] = link{prev: h, next: h}
	}
	return r
}

func (r *ring) head(bucket int) int32 {
	return int32(r.nbuf + bucket)
}

// pushFront links node i directly after the sentinel of bucket.
func (r *ring) pushFront(bucket int, i int32) {
	h := r.head(bucket)
	first := r.links[h].next
	r.links[i] = link{prev: h, next: first}
	r.links[first].prev = i
	r.links[h].next = i
}

// unlink removes node i from whatever list it is on.
func (r *ring) unlink(i int32) {
	l := r.links[i]
	r.links[l.prev].next = l.next
	r.links[l.next].prev = l.prev
	r.links[i] = link{prev: i, next: i}
}

// each walks bucket from most to least recently released, stopping when fn
// returns false.
func (r *ring) each(bucket int, fn func(i int32) bool) {
	h := r.head(bucket)
	for i := r.links[h].next; i != h; i = r.links[i].next {
		if !fn(i) {
			return
		}
	}
}
