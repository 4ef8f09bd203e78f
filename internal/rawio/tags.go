// Package rawio reads and writes the raw IFD of TIFF/DNG containers: IFD
// parsing, tiled and stripped image decoding into dng images, and a minimal
// DNG writer for stage 1 raw data and opcode lists.
package rawio

// TIFF and DNG tags used by the reader and writer.
const (
	TagNewSubfileType            = 254
	TagImageWidth                = 256
	TagImageLength               = 257
	TagBitsPerSample             = 258
	TagCompression               = 259
	TagPhotometricInterpretation = 262
	TagMake                      = 271
	TagModel                     = 272
	TagStripOffsets              = 273
	TagSamplesPerPixel           = 277
	TagRowsPerStrip              = 278
	TagStripByteCounts           = 279
	TagPlanarConfiguration       = 284
	TagSoftware                  = 305
	TagPredictor                 = 317
	TagTileWidth                 = 322
	TagTileLength                = 323
	TagTileOffsets               = 324
	TagTileByteCounts            = 325
	TagSubIFDs                   = 330
	TagSampleFormat              = 339
	TagCFARepeatPatternDim       = 33421
	TagCFAPattern                = 33422
	TagDNGVersion                = 50706
	TagDNGBackwardVersion        = 50707
	TagUniqueCameraModel         = 50708
	TagLinearizationTable        = 50712
	TagBlackLevelRepeatDim       = 50713
	TagBlackLevel                = 50714
	TagBlackLevelDeltaH          = 50715
	TagBlackLevelDeltaV          = 50716
	TagWhiteLevel                = 50717
	TagActiveArea                = 50829
	TagSubTileBlockSize          = 50974
	TagRowInterleaveFactor       = 50975
	TagOpcodeList1               = 51008
	TagOpcodeList2               = 51009
	TagOpcodeList3               = 51022
)

// TIFF field types.
const (
	TypeByte      = 1
	TypeASCII     = 2
	TypeShort     = 3
	TypeLong      = 4
	TypeRational  = 5
	TypeSByte     = 6
	TypeUndefined = 7
	TypeSShort    = 8
	TypeSLong     = 9
	TypeSRational = 10
	TypeFloat     = 11
	TypeDouble    = 12
	TypeIFD       = 13
)

// Compression schemes.
const (
	CompressionNone     = 1
	CompressionJPEG     = 7
	CompressionLossyDNG = 34892
)

// Photometric interpretations of raw IFDs.
const (
	PhotometricCFA       = 32803
	PhotometricLinearRaw = 34892
)

// Sample formats.
const (
	SampleUint  = 1
	SampleInt   = 2
	SampleFloat = 3
)

const (
	PlanarChunky = 1
	PlanarPlanar = 2
)

const PredictorNone = 1

func typeSize(typ uint16) int {
	switch typ {
	case TypeByte, TypeASCII, TypeSByte, TypeUndefined:
		return 1
	case TypeShort, TypeSShort:
		return 2
	case TypeLong, TypeSLong, TypeFloat, TypeIFD:
		return 4
	case TypeRational, TypeSRational, TypeDouble:
		return 8
	default:
		return 0
	}
}
