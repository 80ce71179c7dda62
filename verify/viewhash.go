package verify

// ViewNode is one node of the structural view tree. Children are in
// display order; order matters to the hash.
type ViewNode struct {
	Type     string
	Visible  bool
	Enabled  bool
	Width    int
	Height   int
	Text     string
	Children []*ViewNode
}

const (
	hashOffset = 14695981039346656037
	hashPrime  = 1099511628211
)

// HashViewTree computes a deterministic, order-sensitive 64-bit hash of
// the tree rooted at root. Two trees with identical structure and
// attributes hash identically; changing any hashed attribute, the child
// count, or the child order changes the result with high probability.
// The traversal is an explicit stack, so pathological depth cannot
// overflow the goroutine stack. A nil root hashes to zero.
func HashViewTree(root *ViewNode) uint64 {
	if root == nil {
		return 0
	}

	type frame struct {
		node        *ViewNode
		next        int
		childHashes []uint64
	}

	stack := []*frame{{node: root}}
	var result uint64

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		if top.next < len(top.node.Children) {
			child := top.node.Children[top.next]
			top.next++
			if child == nil {
				top.childHashes = append(top.childHashes, 0)
				continue
			}
			stack = append(stack, &frame{node: child})
			continue
		}

		h := hashNode(top.node, top.childHashes)
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			result = h
		} else {
			parent := stack[len(stack)-1]
			parent.childHashes = append(parent.childHashes, h)
		}
	}
	return result
}

func hashNode(n *ViewNode, childHashes []uint64) uint64 {
	h := uint64(hashOffset)
	h = mixString(h, n.Type)
	h = mixBool(h, n.Visible)
	h = mixBool(h, n.Enabled)
	h = mixUint64(h, uint64(int64(n.Width)))
	h = mixUint64(h, uint64(int64(n.Height)))
	h = mixString(h, n.Text)
	h = mixUint64(h, uint64(len(n.Children)))
	for _, ch := range childHashes {
		h = mixUint64(h, ch)
	}
	return h
}

func mixUint64(h, v uint64) uint64 {
	return h*hashPrime + v
}

func mixBool(h uint64, b bool) uint64 {
	if b {
		return mixUint64(h, 1)
	}
	return mixUint64(h, 2)
}

// mixString folds in length before content so "ab","c" and "a","bc"
// cannot collide across adjacent fields.
func mixString(h uint64, s string) uint64 {
	h = mixUint64(h, uint64(len(s)))
	for i := 0; i < len(s); i++ {
		h = mixUint64(h, uint64(s[i]))
	}
	return h
}
