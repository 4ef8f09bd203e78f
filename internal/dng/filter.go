package dng

// filterProcessor is implemented by opcodes that read a padded source window
// and write a separate destination tile.
type filterProcessor interface {
	BufferPixelType(imageType PixelType) (PixelType, error)
	ModifiedBounds(imageBounds Rect) Rect
	SrcRepeat() Point
	SrcArea(dstArea, imageBounds Rect) Rect
	Prepare(h *Host, n *Negative, imagePlanes int, imageBounds Rect) error
	ProcessArea(src, dst *PixelBuffer, dstArea, imageBounds Rect)
}

// applyFilter runs p into a new image. Pixels outside the modified bounds are
// copied unchanged.
func applyFilter(h *Host, n *Negative, p filterProcessor, img *Image) (*Image, error) {
	bounds := img.Bounds()
	modified := p.ModifiedBounds(bounds)
	if modified.IsEmpty() {
		return img, nil
	}
	bufType, err := p.BufferPixelType(img.PixelType())
	if err != nil {
		return img, err
	}
	if err := p.Prepare(h, n, img.Planes(), bounds); err != nil {
		return img, err
	}
	dst, err := h.NewImage(bounds, img.Planes(), img.PixelType())
	if err != nil {
		return img, err
	}
	if modified != bounds {
		dst.Put(img.Buffer())
	}
	task := &filterTask{host: h, proc: p, src: img, dst: dst, bufType: bufType}
	if err := h.PerformAreaTask(task, modified); err != nil {
		dst.Release()
		return img, err
	}
	return dst, nil
}

type filterTask struct {
	host    *Host
	proc    filterProcessor
	src     *Image
	dst     *Image
	bufType PixelType

	srcBufs []PixelBuffer
	dstBufs []PixelBuffer
	blocks  []*Block
}

func (t *filterTask) MaxThreads() int { return 0 }

func (t *filterTask) Start(threads int, tile Point) error {
	planes := t.src.Planes()
	srcTile := t.proc.SrcArea(NewRect(0, 0, tile.Row, tile.Col), t.dst.Bounds())
	t.srcBufs = make([]PixelBuffer, threads)
	t.dstBufs = make([]PixelBuffer, threads)
	for i := 0; i < threads; i++ {
		sb, err := t.alloc(srcTile, planes)
		if err != nil {
			return err
		}
		db, err := t.alloc(NewRect(0, 0, tile.Row, tile.Col), planes)
		if err != nil {
			return err
		}
		t.srcBufs[i], t.dstBufs[i] = sb, db
	}
	return nil
}

func (t *filterTask) alloc(area Rect, planes int) (PixelBuffer, error) {
	blk, err := t.host.Allocate(area.Width() * area.Height() * planes * t.bufType.Size())
	if err != nil {
		return PixelBuffer{}, err
	}
	t.blocks = append(t.blocks, blk)
	return WrapPixelBuffer(area, 0, planes, t.bufType, blk.Bytes())
}

func (t *filterTask) Process(thread int, tile Rect) error {
	bounds := t.dst.Bounds()
	src := &t.srcBufs[thread]
	if err := src.Resize(t.proc.SrcArea(tile, bounds)); err != nil {
		return err
	}
	repeat := t.proc.SrcRepeat()
	t.src.GetRepeat(src, repeat.Row, repeat.Col)

	dst := &t.dstBufs[thread]
	if err := dst.Resize(tile); err != nil {
		return err
	}
	t.proc.ProcessArea(src, dst, tile, bounds)
	t.dst.Put(dst)
	return nil
}

func (t *filterTask) Finish(threads int) error {
	for _, b := range t.blocks {
		b.Release()
	}
	t.blocks = nil
	return nil
}

// inplaceProcessor is implemented by opcodes that rewrite pixels where they
// are, one tile at a time, in their own buffer type.
type inplaceProcessor interface {
	BufferPixelType(imageType PixelType) (PixelType, error)
	ModifiedBounds(imageBounds Rect) Rect
	Prepare(h *Host, imagePlanes int, imageBounds Rect) error
	ProcessArea(buf *PixelBuffer, dstArea, imageBounds Rect)
}

func applyInplace(h *Host, p inplaceProcessor, img *Image) (*Image, error) {
	bounds := img.Bounds()
	modified := p.ModifiedBounds(bounds)
	if modified.IsEmpty() {
		return img, nil
	}
	bufType, err := p.BufferPixelType(img.PixelType())
	if err != nil {
		return img, err
	}
	if err := p.Prepare(h, img.Planes(), bounds); err != nil {
		return img, err
	}
	task := &inplaceTask{host: h, proc: p, img: img, bufType: bufType}
	return img, h.PerformAreaTask(task, modified)
}

type inplaceTask struct {
	host    *Host
	proc    inplaceProcessor
	img     *Image
	bufType PixelType

	bufs   []PixelBuffer
	blocks []*Block
}

func (t *inplaceTask) MaxThreads() int { return 0 }

func (t *inplaceTask) Start(threads int, tile Point) error {
	planes := t.img.Planes()
	t.bufs = make([]PixelBuffer, threads)
	for i := range t.bufs {
		blk, err := t.host.Allocate(tile.Row * tile.Col * planes * t.bufType.Size())
		if err != nil {
			return err
		}
		t.blocks = append(t.blocks, blk)
		buf, err := WrapPixelBuffer(NewRect(0, 0, tile.Row, tile.Col), 0, planes, t.bufType, blk.Bytes())
		if err != nil {
			return err
		}
		t.bufs[i] = buf
	}
	return nil
}

func (t *inplaceTask) Process(thread int, tile Rect) error {
	buf := &t.bufs[thread]
	if err := buf.Resize(tile); err != nil {
		return err
	}
	t.img.Get(buf)
	t.proc.ProcessArea(buf, tile, t.img.Bounds())
	t.img.Put(buf)
	return nil
}

func (t *inplaceTask) Finish(threads int) error {
	for _, b := range t.blocks {
		b.Release()
	}
	t.blocks = nil
	return nil
}
