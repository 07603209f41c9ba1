package config

// Atlas geometry and landmark constants of the bundled registration atlas.
// Centroids are world coordinates (mm) of the labels in AtlasLabels, in the
// same order, one row per world axis.

// AtlasShape is the voxel grid of the atlas.
var AtlasShape = [3]int{160, 160, 192}

// AtlasAffine is the voxel-to-world affine of the atlas, row-major.
var AtlasAffine = [][]float64{
	{-1, 0, 0, 79},
	{0, 0, 1, -104},
	{0, -1, 0, 79},
	{0, 0, 0, 1},
}

// AtlasLabels are the subcortical and cortical parcellation labels used as
// landmarks.
var AtlasLabels = []int{
	2, 4, 5, 7, 8, 10, 11, 12, 13, 14, 15, 16, 17, 18, 26, 28,
	41, 43, 44, 46, 47, 49, 50, 51, 52, 53, 54, 58, 60, 1001, 1002, 1003,
	1005, 1006, 1007, 1008, 1009, 1010, 1011, 1012, 1013, 1014, 1015, 1016, 1017, 1018, 1019, 1020,
	1021, 1022, 1023, 1024, 1025, 1026, 1027, 1028, 1029, 1030, 1031, 1032, 1033, 1034, 1035, 2001,
	2002, 2003, 2005, 2006, 2007, 2008, 2009, 2010, 2011, 2012, 2013, 2014, 2015, 2016, 2017, 2018,
	2019, 2020, 2021, 2022, 2023, 2024, 2025, 2026, 2027, 2028, 2029, 2030, 2031, 2032, 2033, 2034,
	2035,
}

// AtlasCentroids holds the x, y and z world coordinates of each label of
// AtlasLabels in the atlas.
var AtlasCentroids = [3][]float64{
	{
		-28, -18, -37, -19, -27, -19, -23, -31, -26, -2, -3, -3, -29, -26, -14, -14,
		24, 14, 31, 12, 18, 14, 19, 26, 21, 25, 22, 11, 8, -52, -6, -36,
		-7, -24, -37, -39, -52, -9, -27, -26, -14, -8, -59, -28, -7, -49, -43, -47,
		-12, -46, -6, -43, -10, -7, -33, -11, -23, -55, -50, -10, -29, -46, -38, 48,
		4, 31, 3, 21, 33, 37, 47, 3, 24, 20, 8, 4, 54, 21, 5, 45,
		38, 46, 8, 45, 3, 38, 6, 4, 29, 9, 19, 51, 49, 10, 24, 43,
		33,
	},
	{
		-30, -17, -13, -36, -40, -22, -3, -5, -9, -14, -31, -21, -15, -1, 3, -16,
		-32, -20, -14, -37, -42, -24, -3, -6, -10, -15, -2, 3, -17, -44, -5, -15,
		-71, 2, -29, -70, -23, -44, -73, 22, -57, 27, -19, -23, -45, 4, 31, 20,
		-68, -38, -33, -26, -60, 23, 22, 0, -72, -12, -49, 49, 17, -25, -3, -42,
		-1, -16, -76, 0, -34, -69, -16, -44, -73, 22, -56, 28, -18, -25, -45, -3,
		30, 14, -69, -37, -32, -30, -60, 21, 21, 0, -72, -11, -49, 48, 15, -27,
		-3,
	},
	{
		12, 14, -13, -41, -51, 1, 13, 3, 1, 0, -40, -28, -15, -10, 2, -7,
		11, 14, -12, -40, -51, 2, 14, 4, 2, -14, -10, 4, -7, -8, 32, 40,
		-14, -21, -28, -4, -28, -3, -35, 3, -29, 4, -17, -21, 35, 18, 9, 20,
		-24, 28, 25, 34, 7, 18, 35, 48, 16, -5, 12, 22, -18, 1, 4, -12,
		32, 43, -11, -21, -29, -3, -27, 0, -34, 3, -25, 6, -18, -20, 36, 18,
		11, 20, -20, 26, 25, 34, 4, 24, 34, 47, 17, -5, 10, 20, -18, 0,
		4,
	},
}
