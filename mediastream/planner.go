package mediastream

// BytesPerFrame computes the payload size of each MediaStream frame from a
// target bit rate and frame rate (spec §4.3): bits/sec ÷ 8 ÷ frames/sec. A
// frame larger than MaxPayload is split across several datagrams by
// PlanPayloadSizes.
func BytesPerFrame(bitsPerSecond, framesPerSecond int) int {
	if framesPerSecond <= 0 {
		return 0
	}
	return bitsPerSecond / 8 / framesPerSecond
}

// PlanPayloadSizes splits totalPayload bytes into per-datagram payload
// sizes, each capped at maxPayload. Whenever a straightforward max-size
// chunking would leave a final remainder r with 0 < r <= HeaderLen — a
// trailing datagram too small to be worth its own header — the preceding
// datagram donates just enough payload so the final datagram's size is at
// least HeaderLen+1, per spec.md §4.3/§8.
func PlanPayloadSizes(totalPayload, maxPayload int) []int {
	if totalPayload <= 0 {
		return nil
	}
	if maxPayload <= 0 {
		maxPayload = MaxPayload
	}
	var sizes []int
	remaining := totalPayload
	for remaining > maxPayload {
		n := maxPayload
		if tail := remaining - n; tail > 0 && tail <= HeaderLen {
			n -= HeaderLen + 1 - tail
		}
		sizes = append(sizes, n)
		remaining -= n
	}
	if remaining > 0 {
		sizes = append(sizes, remaining)
	}
	return sizes
}
