package diarize

// clusterPrints groups voice prints by average-linkage agglomerative
// clustering: the two most similar clusters merge until no pair clears the
// similarity threshold. Labels are renumbered by first appearance, so the
// first voice heard in the recording is always speaker 0.
func clusterPrints(prints [][]float64, threshold float64) []int {
	n := len(prints)
	labels := make([]int, n)
	if n == 0 {
		return labels
	}

	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	sim := make([][]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
		for j := range sim[i] {
			if i != j {
				sim[i][j] = cosine(prints[i], prints[j])
			}
		}
	}

	avgLink := func(a, b []int) float64 {
		var total float64
		for _, i := range a {
			for _, j := range b {
				total += sim[i][j]
			}
		}
		return total / float64(len(a)*len(b))
	}

	for len(clusters) > 1 {
		bestA, bestB := -1, -1
		best := threshold
		for a := 0; a < len(clusters); a++ {
			for b := a + 1; b < len(clusters); b++ {
				if s := avgLink(clusters[a], clusters[b]); s >= best {
					best = s
					bestA, bestB = a, b
				}
			}
		}
		if bestA < 0 {
			break
		}
		clusters[bestA] = append(clusters[bestA], clusters[bestB]...)
		clusters = append(clusters[:bestB], clusters[bestB+1:]...)
	}

	for id, members := range clusters {
		for _, i := range members {
			labels[i] = id
		}
	}
	return relabelByAppearance(labels)
}

func relabelByAppearance(labels []int) []int {
	next := 0
	seen := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		mapped, ok := seen[l]
		if !ok {
			mapped = next
			seen[l] = mapped
			next++
		}
		out[i] = mapped
	}
	return out
}
