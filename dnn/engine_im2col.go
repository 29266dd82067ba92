package dnn

import (
	"encoding/binary"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// Im2colEngineName is the name of the pure Go engine.
const Im2colEngineName = "im2col"

// im2colEngine executes convolutions on the host by unfolding input patches into a matrix (im2col) and
// multiplying it by the filters. It works with any handle, and computes in float32.
//
// Its workspace holds the virtual tensors of the graph, followed by the float32 scratch buffers of the
// largest operation.
type im2colEngine struct{}

var _ Engine = (*im2colEngine)(nil)

func (e *im2colEngine) Name() string { return Im2colEngineName }

func (e *im2colEngine) Supports(g *Graph) error {
	for _, op := range g.ops {
		conv, ok := op.(*convFpropOp)
		if !ok {
			return errorf(StatusNotSupported, "operation %q not supported", op.opName())
		}
		if conv.attrs.computeDataType != Float {
			return errorf(StatusNotSupported, "operation %q: compute data type %s not supported, only FLOAT",
				op.opName(), conv.attrs.computeDataType)
		}
	}
	return nil
}

// im2colOp holds the precomputed layout of one convolution.
type im2colOp struct {
	conv *convFpropOp

	n, c, h, w     int // Input.
	k, r, s        int // Filter: output channels, height, width.
	oh, ow         int // Output spatial dimensions.
	padH, padW     int
	strideH        int
	strideW        int
	dilH, dilW     int
	flip           bool
	patchRows      int // c*r*s
	patchCols      int // oh*ow
	scratchFloat32 int // Number of float32 values of scratch needed.
}

type im2colPlan struct {
	ops []*im2colOp

	// virtualOffsets of each virtual tensor in the workspace.
	virtualOffsets map[*TensorAttributes]int64
	scratchOffset  int64
	workspaceSize  int64
}

func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) / alignment * alignment
}

func (e *im2colEngine) Build(g *Graph) (Plan, error) {
	p := &im2colPlan{virtualOffsets: make(map[*TensorAttributes]int64)}
	var offset int64
	for _, t := range g.tensors {
		if t.isVirtual {
			p.virtualOffsets[t] = offset
			offset = alignUp(offset+t.SizeBytes(), 16)
		}
	}
	p.scratchOffset = offset
	var maxScratch int
	for _, op := range g.ops {
		conv := op.(*convFpropOp)
		a := conv.attrs
		iop := &im2colOp{
			conv: conv,
			n:    int(conv.x.dims[0]), c: int(conv.x.dims[1]), h: int(conv.x.dims[2]), w: int(conv.x.dims[3]),
			k: int(conv.w.dims[0]), r: int(conv.w.dims[2]), s: int(conv.w.dims[3]),
			oh: int(conv.y.dims[2]), ow: int(conv.y.dims[3]),
			padH: int(a.padding[0]), padW: int(a.padding[1]),
			strideH: int(a.stride[0]), strideW: int(a.stride[1]),
			dilH: int(a.dilation[0]), dilW: int(a.dilation[1]),
			flip: a.mode == Convolution,
		}
		iop.patchRows = iop.c * iop.r * iop.s
		iop.patchCols = iop.oh * iop.ow
		// Scratch: input image, filters, bias, patch matrix and output image, all float32.
		iop.scratchFloat32 = iop.c*iop.h*iop.w + iop.k*iop.patchRows + iop.k + iop.patchRows*iop.patchCols + iop.k*iop.patchCols
		maxScratch = max(maxScratch, iop.scratchFloat32)
		p.ops = append(p.ops, iop)
	}
	p.workspaceSize = p.scratchOffset + 4*int64(maxScratch)
	return p, nil
}

func (p *im2colPlan) WorkspaceSize() int64 { return p.workspaceSize }

func (p *im2colPlan) Finalize() {}

// buffer returns the memory of t: from the pack if it is non-virtual, from the workspace otherwise.
func (p *im2colPlan) buffer(t *TensorAttributes, pack VariantPack, workspace []byte) []byte {
	if !t.isVirtual {
		return pack[t.uid]
	}
	offset := p.virtualOffsets[t]
	return workspace[offset : offset+t.SizeBytes()]
}

func (p *im2colPlan) Execute(pack VariantPack, workspace []byte) error {
	scratchBytes := workspace[p.scratchOffset:p.workspaceSize]
	var scratch []float32
	if len(scratchBytes) > 0 {
		scratch = unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(scratchBytes))), len(scratchBytes)/4)
	}
	for _, op := range p.ops {
		op.execute(p, pack, workspace, scratch)
	}
	return nil
}

func (op *im2colOp) execute(p *im2colPlan, pack VariantPack, workspace []byte, scratch []float32) {
	conv := op.conv
	imageSize := op.c * op.h * op.w
	outImageSize := op.k * op.patchCols

	// Carve the scratch buffers.
	image, scratch := scratch[:imageSize], scratch[imageSize:]
	filters, scratch := scratch[:op.k*op.patchRows], scratch[op.k*op.patchRows:]
	bias, scratch := scratch[:op.k], scratch[op.k:]
	patches, scratch := scratch[:op.patchRows*op.patchCols], scratch[op.patchRows*op.patchCols:]
	outImage := scratch[:outImageSize]

	xBuf := p.buffer(conv.x, pack, workspace)
	yBuf := p.buffer(conv.y, pack, workspace)
	loadFloat32s(conv.w.dataType, p.buffer(conv.w, pack, workspace), filters)
	if conv.attrs.bias != nil {
		loadFloat32s(conv.attrs.bias.dataType, p.buffer(conv.attrs.bias, pack, workspace), bias)
	} else {
		clear(bias)
	}

	xElemSize := conv.x.dataType.Size()
	yElemSize := conv.y.dataType.Size()
	for n := range op.n {
		loadFloat32s(conv.x.dataType, xBuf[n*imageSize*xElemSize:(n+1)*imageSize*xElemSize], image)
		op.unfold(image, patches)
		for k := range op.k {
			out := outImage[k*op.patchCols : (k+1)*op.patchCols]
			for ii := range out {
				out[ii] = bias[k]
			}
			filterRow := filters[k*op.patchRows : (k+1)*op.patchRows]
			for row, weight := range filterRow {
				if weight == 0 {
					continue
				}
				patchRow := patches[row*op.patchCols : (row+1)*op.patchCols]
				for ii, v := range patchRow {
					out[ii] += weight * v
				}
			}
		}
		storeFloat32s(conv.y.dataType, outImage, yBuf[n*outImageSize*yElemSize:(n+1)*outImageSize*yElemSize])
	}
}

// unfold writes the patch matrix of one image: row (c, r, s) holds, for every output position,
// the input value under filter tap (r, s) of channel c, or 0 in the padding area.
func (op *im2colOp) unfold(image, patches []float32) {
	row := 0
	for c := range op.c {
		channel := image[c*op.h*op.w : (c+1)*op.h*op.w]
		for r := range op.r {
			for s := range op.s {
				tapR, tapS := r, s
				if op.flip {
					tapR, tapS = op.r-1-r, op.s-1-s
				}
				patchRow := patches[row*op.patchCols : (row+1)*op.patchCols]
				col := 0
				for oh := range op.oh {
					ih := oh*op.strideH - op.padH + tapR*op.dilH
					for ow := range op.ow {
						iw := ow*op.strideW - op.padW + tapS*op.dilW
						if ih < 0 || ih >= op.h || iw < 0 || iw >= op.w {
							patchRow[col] = 0
						} else {
							patchRow[col] = channel[ih*op.w+iw]
						}
						col++
					}
				}
				row++
			}
		}
	}
}

// loadFloat32s decodes the little-endian values in buf, of the given data type, into dst.
func loadFloat32s(dataType DataType, buf []byte, dst []float32) {
	switch dataType {
	case Float:
		for ii := range dst {
			dst[ii] = math32.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
	case Half:
		for ii := range dst {
			dst[ii] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*ii:])).Float32()
		}
	default:
		exceptions.Panicf("im2col: unsupported data type %s", dataType)
	}
}

// storeFloat32s encodes src into buf with the given data type.
func storeFloat32s(dataType DataType, src []float32, buf []byte) {
	switch dataType {
	case Float:
		for ii, v := range src {
			binary.LittleEndian.PutUint32(buf[4*ii:], math32.Float32bits(v))
		}
	case Half:
		for ii, v := range src {
			binary.LittleEndian.PutUint16(buf[2*ii:], float16.Fromfloat32(v).Bits())
		}
	default:
		exceptions.Panicf("im2col: unsupported data type %s", dataType)
	}
}
